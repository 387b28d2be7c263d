package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisCache shares embeddings across processes through Redis
type RedisCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a new Redis-based embedding cache
func NewRedisCache(config *Config, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	return newRedisCache(redis.NewClient(opts), config, logger)
}

func newRedisCache(client *redis.Client, config *Config, logger *zap.Logger) (*RedisCache, error) {
	rc := &RedisCache{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return rc, nil
}

// GetMany looks up all texts with one MGET
func (rc *RedisCache) GetMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = rc.key(text)
	}

	values, err := rc.client.MGet(ctx, keys...).Result()
	if err != nil {
		rc.misses.Add(int64(len(texts)))
		return out, fmt.Errorf("cache lookup failed: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			rc.misses.Add(1)
			continue
		}
		var entry CachedEmbedding
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			rc.logger.Warn("Failed to unmarshal cached embedding", zap.Error(err))
			// Delete corrupted cache entry
			rc.client.Del(ctx, keys[i])
			rc.misses.Add(1)
			continue
		}
		rc.hits.Add(1)
		out[i] = entry.Embedding
	}

	return out, nil
}

// SetMany caches embeddings using a Redis pipeline
func (rc *RedisCache) SetMany(ctx context.Context, texts []string, embeddings [][]float32) error {
	if len(texts) != len(embeddings) {
		return fmt.Errorf("texts and embeddings length mismatch")
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := rc.client.Pipeline()
	now := time.Now()
	for i, text := range texts {
		data, err := json.Marshal(CachedEmbedding{
			Embedding: embeddings[i],
			CachedAt:  now,
			TTL:       int64(rc.config.DefaultTTL.Seconds()),
		})
		if err != nil {
			rc.logger.Error("Failed to marshal embedding for caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, rc.key(text), data, rc.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	rc.logger.Debug("Batch cache operation completed", zap.Int("cached_embeddings", len(texts)))
	return nil
}

// Stats returns hit counters plus Redis memory and key counts
func (rc *RedisCache) Stats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Type:   TypeRedis,
		Hits:   rc.hits.Load(),
		Misses: rc.misses.Load(),
	}
	stats.HitRate = hitRate(stats.Hits, stats.Misses)

	info, err := rc.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := rc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes all cached embeddings under the key prefix
func (rc *RedisCache) Clear(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, rc.config.KeyPrefix+":emb:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

func (rc *RedisCache) key(text string) string {
	return fmt.Sprintf("%s:emb:%s", rc.config.KeyPrefix, TextKey(text))
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
