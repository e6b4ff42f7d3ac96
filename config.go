package linkd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-viper/mapstructure/v2"

	"github.com/multpex/linkd/pkg/audit"
	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/cache"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/relay"
	"github.com/multpex/linkd/pkg/tracing"
	"github.com/multpex/linkd/pkg/ws"
)

// Config 网关进程配置，与配置文件结构一一对应
type Config struct {
	// Mode 运行模式（debug/release/test）
	Mode string `mapstructure:"mode"`

	// Node 节点标识，为空时启动时生成，用于跨节点转发去重
	Node string `mapstructure:"node"`

	Server   ServerConfig   `mapstructure:"server"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// TrustedProxies 信任的代理 IP 列表，影响限流使用的客户端 IP
	TrustedProxies []string `mapstructure:"trustedProxies"`

	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Presence  PresenceConfig  `mapstructure:"presence"`

	Logger  logger.Config  `mapstructure:"logger"`
	WS      ws.Config      `mapstructure:"ws"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Relay   relay.Config   `mapstructure:"relay"`
	Cache   cache.Config   `mapstructure:"cache"`
	Audit   audit.Config   `mapstructure:"audit"`
}

// ServerConfig HTTP 服务器配置
//
// 升级后的连接由网关自行管理读写超时，ReadTimeout/WriteTimeout 为 0 表示不限制。
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"readHeaderTimeout"`
	ReadTimeout       time.Duration `mapstructure:"readTimeout"`
	WriteTimeout      time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout       time.Duration `mapstructure:"idleTimeout"`
	MaxHeaderBytes    int           `mapstructure:"maxHeaderBytes"`
}

// ShutdownConfig 优雅关机配置
type ShutdownConfig struct {
	// Timeout 关机超时时间，包含等待在途消息与关闭连接
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig /ws 升级请求按客户端 IP 限流
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst"`
}

// AuthConfig 身份来源配置
type AuthConfig struct {
	// RequireCredential 拒绝未携带凭证的升级请求
	RequireCredential bool `mapstructure:"requireCredential"`

	// JWT 为空 secret 时不启用
	JWT auth.JWTConfig `mapstructure:"jwt"`

	// Tokens 静态令牌，适合内部服务与测试环境
	Tokens []StaticToken `mapstructure:"tokens"`
}

// StaticToken 静态令牌到身份的映射
type StaticToken struct {
	Token   string   `mapstructure:"token"`
	Subject string   `mapstructure:"subject"`
	Roles   []string `mapstructure:"roles"`
}

// PresenceConfig 在线状态配置，计数存放在 Cache 配置的存储中
type PresenceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Notify  bool          `mapstructure:"notify"` // 广播 presence.online / presence.offline
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode: gin.ReleaseMode,
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Shutdown: ShutdownConfig{
			Timeout: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Auth: AuthConfig{
			JWT: auth.JWTConfig{TTL: time.Hour},
		},
		Presence: PresenceConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
			Notify:  true,
		},
		Logger: logger.Config{
			Level:   logger.InfoLevel,
			Format:  logger.JSONFormat,
			Console: true,
		},
		WS:      *ws.DefaultConfig(),
		Tracing: *tracing.DefaultConfig(),
		Relay:   *relay.DefaultConfig(),
		Cache:   *cache.DefaultConfig(),
		Audit:   *audit.DefaultConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("linkd: invalid mode %q", c.Mode)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("linkd: server addr is required")
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("linkd: shutdown timeout must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("linkd: rate limit requests per second must be positive")
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.Subject == "" {
			return fmt.Errorf("linkd: auth token #%d requires token and subject", i)
		}
	}
	if c.Presence.Enabled && c.Presence.TTL <= 0 {
		return fmt.Errorf("linkd: presence ttl must be positive")
	}

	if err := c.WS.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	if c.Presence.Enabled {
		if err := c.Cache.Validate(); err != nil {
			return err
		}
	}
	if c.Audit.Enabled {
		if err := c.Audit.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StaticTokens 静态令牌转为身份来源
func (c *AuthConfig) StaticTokens() auth.StaticProvider {
	p := make(auth.StaticProvider, len(c.Tokens))
	for _, t := range c.Tokens {
		p[t.Token] = auth.Identity{Subject: t.Subject, Roles: t.Roles}
	}
	return p
}

// Defaults 将默认配置展开为点分隔的键，作为加载器的默认值
//
// 未出现在默认值中的键无法通过环境变量覆盖，因此所有字段都需要展开。
// nil 指针跳过，由配置文件按需提供。
func Defaults() map[string]any {
	var m map[string]any
	if err := mapstructure.Decode(DefaultConfig(), &m); err != nil {
		panic(fmt.Sprintf("linkd: flatten defaults: %v", err))
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			continue
		}
		out[strings.ToLower(key)] = v
	}
}
