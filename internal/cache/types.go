package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache stores embeddings keyed by their source text
type Cache interface {
	// GetMany returns one entry per text; misses are nil.
	GetMany(ctx context.Context, texts []string) ([][]float32, error)
	SetMany(ctx context.Context, texts []string, embeddings [][]float32) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*CacheStats, error)
	Close() error
}

// Type selects the cache implementation
type Type string

const (
	TypeNone   Type = "none"
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// CachedEmbedding is the serialized cache entry
type CachedEmbedding struct {
	Embedding []float32 `json:"embedding"`
	CachedAt  time.Time `json:"cached_at"`
	TTL       int64     `json:"ttl"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Type        Type    `json:"type"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	Type           Type          `yaml:"type" mapstructure:"type"`
	Capacity       int           `yaml:"capacity" mapstructure:"capacity"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// TextKey hashes text into a stable cache key suffix
func TextKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
