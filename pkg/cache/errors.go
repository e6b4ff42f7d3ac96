package cache

import "github.com/multpex/linkd/pkg/errors"

// 预定义错误
var (
	ErrCacheConnection    = errors.New(500, "CACHE_CONNECTION", "cache connection failed")
	ErrCacheInvalidConfig = errors.New(500, "CACHE_INVALID_CONFIG", "cache invalid config")
	ErrCacheOperation     = errors.New(500, "CACHE_OPERATION", "cache operation failed")
)
