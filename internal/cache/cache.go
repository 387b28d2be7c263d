package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the cache selected by config.Type. TypeNone returns a nil Cache.
func New(config *Config, logger *zap.Logger) (Cache, error) {
	switch config.Type {
	case "", TypeNone:
		return nil, nil
	case TypeMemory:
		logger.Info("Using in-memory embedding cache",
			zap.Int("capacity", config.Capacity),
			zap.Duration("ttl", config.DefaultTTL))
		return NewMemoryCache(config.Capacity, config.DefaultTTL), nil
	case TypeRedis:
		rc, err := NewRedisCache(config, logger)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}
