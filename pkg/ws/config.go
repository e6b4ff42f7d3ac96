package ws

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// Config 网关配置，对应配置文件中的 ws 节
type Config struct {
	// 连接配置
	MaxMessageSizeBytes       int64 `mapstructure:"maxMessageSizeBytes"`       // 单帧最大字节数，解析前检查
	MaxFrameBytes             int64 `mapstructure:"maxFrameBytes"`             // 传输层帧上限，超过以 1009 断开，0 不限制
	MaxConnectionsPerIdentity int   `mapstructure:"maxConnectionsPerIdentity"` // 单身份最大连接数，0 不限制
	MaxConnections            int   `mapstructure:"maxConnections"`            // 全局最大连接数，0 不限制
	ReadBufferSize            int   `mapstructure:"readBufferSize"`
	WriteBufferSize           int   `mapstructure:"writeBufferSize"`
	EnableCompression         bool  `mapstructure:"enableCompression"`

	// 心跳配置：连续 HeartbeatMisses 个周期未收到 pong 则断开
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
	HeartbeatMisses     int `mapstructure:"heartbeatMisses"`
	WriteWaitMs         int `mapstructure:"writeWaitMs"`

	// 发送队列
	SendQueueSize       int `mapstructure:"sendQueueSize"`
	MaxConsecutiveDrops int `mapstructure:"maxConsecutiveDrops"` // 连续丢帧达到此值断开慢客户端

	// 处理器
	DefaultHandlerTimeoutMs int               `mapstructure:"defaultHandlerTimeoutMs"`
	MaxInFlightPerConn      int               `mapstructure:"maxInFlightPerConn"`
	Handlers                []HandlerOverride `mapstructure:"handlers"`

	// 房间
	MaxRoomSize int `mapstructure:"maxRoomSize"` // 0 不限制

	// 事件总线
	EventWorkers   int `mapstructure:"eventWorkers"`
	EventQueueSize int `mapstructure:"eventQueueSize"`

	// AllowedOrigins Origin 白名单，包含 "*" 时允许所有来源，为空时仅允许同源
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// HandlerOverride 按名称覆盖处理器注册选项
//
// 使用列表而非 map，因为处理器名称本身包含 "."
type HandlerOverride struct {
	Name         string   `mapstructure:"name"`
	AuthRequired *bool    `mapstructure:"authRequired"`
	Roles        []string `mapstructure:"roles"`
	TimeoutMs    int      `mapstructure:"timeoutMs"`
	MaxInFlight  int      `mapstructure:"maxInFlight"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxMessageSizeBytes:       64 * 1024,
		MaxConnectionsPerIdentity: 5,
		MaxConnections:            0,
		ReadBufferSize:            4096,
		WriteBufferSize:           4096,
		HeartbeatIntervalMs:       30000,
		HeartbeatMisses:           3,
		WriteWaitMs:               10000,
		SendQueueSize:             256,
		MaxConsecutiveDrops:       32,
		DefaultHandlerTimeoutMs:   10000,
		MaxInFlightPerConn:        64,
		EventWorkers:              4,
		EventQueueSize:            1024,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxMessageSizeBytes <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxMessageSizeBytes must be positive, got %d", c.MaxMessageSizeBytes))
	}
	if c.MaxFrameBytes != 0 && c.MaxFrameBytes < c.MaxMessageSizeBytes {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxFrameBytes must be 0 or at least maxMessageSizeBytes, got %d", c.MaxFrameBytes))
	}
	if c.MaxConnectionsPerIdentity < 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxConnectionsPerIdentity must not be negative, got %d", c.MaxConnectionsPerIdentity))
	}
	if c.MaxConnections < 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxConnections must not be negative, got %d", c.MaxConnections))
	}
	if c.HeartbeatIntervalMs <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("heartbeatIntervalMs must be positive, got %d", c.HeartbeatIntervalMs))
	}
	if c.HeartbeatMisses <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("heartbeatMisses must be positive, got %d", c.HeartbeatMisses))
	}
	if c.WriteWaitMs <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("writeWaitMs must be positive, got %d", c.WriteWaitMs))
	}
	if c.SendQueueSize <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("sendQueueSize must be positive, got %d", c.SendQueueSize))
	}
	if c.MaxConsecutiveDrops <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxConsecutiveDrops must be positive, got %d", c.MaxConsecutiveDrops))
	}
	if c.DefaultHandlerTimeoutMs <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("defaultHandlerTimeoutMs must be positive, got %d", c.DefaultHandlerTimeoutMs))
	}
	if c.MaxInFlightPerConn <= 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxInFlightPerConn must be positive, got %d", c.MaxInFlightPerConn))
	}
	if c.MaxRoomSize < 0 {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("maxRoomSize must not be negative, got %d", c.MaxRoomSize))
	}
	for _, h := range c.Handlers {
		if h.Name == "" {
			return ErrInvalidConfig.WithMessage("handler override requires a name")
		}
		if h.TimeoutMs < 0 || h.MaxInFlight < 0 {
			return ErrInvalidConfig.WithMessage(fmt.Sprintf("handler override %q has negative limits", h.Name))
		}
	}
	return nil
}

// HeartbeatInterval 心跳间隔
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// PongWait 等待 pong 的最长时间
func (c *Config) PongWait() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.HeartbeatMisses)
}

// WriteWait 单次写超时
func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitMs) * time.Millisecond
}

// DefaultHandlerTimeout 处理器默认超时
func (c *Config) DefaultHandlerTimeout() time.Duration {
	return time.Duration(c.DefaultHandlerTimeoutMs) * time.Millisecond
}

// override 查找名称对应的覆盖配置
func (c *Config) override(name string) (HandlerOverride, bool) {
	for _, h := range c.Handlers {
		if h.Name == name {
			return h, true
		}
	}
	return HandlerOverride{}, false
}

// newUpgrader 创建 gorilla 升级器
func (c *Config) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    c.ReadBufferSize,
		WriteBufferSize:   c.WriteBufferSize,
		EnableCompression: c.EnableCompression,
		CheckOrigin:       checkOrigin(c.AllowedOrigins),
	}
}

// checkOrigin 根据白名单构造 Origin 检查函数
func checkOrigin(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	if len(allowed) == 0 {
		return sameOrigin
	}

	whitelist := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		whitelist[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端不携带 Origin
			return true
		}
		_, ok := whitelist[origin]
		return ok
	}
}

// sameOrigin 同源检查，无 Origin 视为非浏览器客户端放行
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
