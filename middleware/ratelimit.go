package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/logger"
)

// ErrRateLimited 请求过于频繁
var ErrRateLimited = errors.New(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")

// RateLimiterConfig 限流中间件配置
type RateLimiterConfig struct {
	// RequestsPerSecond 每秒允许的请求数（默认 10）
	RequestsPerSecond float64

	// Burst 突发容量（默认 20）
	Burst int

	// KeyFunc 自定义限流 key 函数（默认使用客户端 IP）
	KeyFunc func(c *gin.Context) string

	// Logger 日志实例
	Logger logger.Logger

	// CleanupInterval 过期桶清理间隔（默认 10 分钟）
	CleanupInterval time.Duration

	// BucketExpiry 桶过期时间（默认 30 分钟无访问则清理）
	BucketExpiry time.Duration
}

// defaultRateLimiterConfig 返回默认配置
func defaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		CleanupInterval:   10 * time.Minute,
		BucketExpiry:      30 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按 key 限流，每个 key 一个令牌桶
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewRateLimiter 创建限流器并启动后台清理，使用完毕须调用 Close
func NewRateLimiter(cfgs ...*RateLimiterConfig) *RateLimiter {
	cfg := defaultRateLimiterConfig()
	if len(cfgs) > 0 && cfgs[0] != nil {
		c := *cfgs[0]
		if c.RequestsPerSecond <= 0 {
			c.RequestsPerSecond = cfg.RequestsPerSecond
		}
		if c.Burst <= 0 {
			c.Burst = max(1, int(c.RequestsPerSecond))
		}
		if c.CleanupInterval <= 0 {
			c.CleanupInterval = cfg.CleanupInterval
		}
		if c.BucketExpiry <= 0 {
			c.BucketExpiry = cfg.BucketExpiry
		}
		cfg = &c
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string {
			return c.ClientIP()
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	rl := &RateLimiter{
		cfg:     *cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

// Allow 消耗 key 对应桶中的一个令牌
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Handler 返回 gin 中间件，超限时以 429 终止请求
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.cfg.KeyFunc(c)
		if !rl.Allow(key) {
			rl.cfg.Logger.Warn("rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("rate", rl.cfg.RequestsPerSecond),
			)
			c.AbortWithStatusJSON(ErrRateLimited.HttpCode, gin.H{"error": ErrRateLimited})
			return
		}
		c.Next()
	}
}

// Len 当前桶数量
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Close 停止后台清理，可重复调用
func (rl *RateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.done)
	})
	rl.wg.Wait()
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.done:
			return
		}
	}
}

// cleanup 清理过期的令牌桶
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.cfg.BucketExpiry {
			delete(rl.buckets, key)
		}
	}
}
