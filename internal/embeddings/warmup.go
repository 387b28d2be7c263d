package embeddings

import (
	"context"
	"fmt"
	"time"
)

const warmupBatchSize = 32

// DefaultWarmupQueries are common memory-search queries pre-computed on warmup
var DefaultWarmupQueries = []string{
	"what did we decide",
	"recent decisions",
	"project architecture",
	"how does authentication work",
	"database schema",
	"deployment process",
	"known bugs",
	"open questions",
	"coding conventions",
	"api endpoints",
	"error handling",
	"configuration options",
	"testing strategy",
	"performance issues",
	"todo list",
	"meeting notes",
}

// CacheWarmupStats summarizes a cache warmup run
type CacheWarmupStats struct {
	Warmed         int     `json:"warmed"`
	TimeMS         float64 `json:"time_ms"`
	TimePerQueryMS float64 `json:"time_per_query_ms"`
}

// WarmupModel loads the model at path ("" = default location) if none is
// installed, then runs one embedding so the first real request does not pay
// for graph initialization.
func WarmupModel(ctx context.Context, svc Service, path string) (*ModelDescriptor, error) {
	if !svc.IsReady() {
		if _, err := svc.Load(ctx, path); err != nil {
			return nil, err
		}
	}
	if _, err := svc.Embed(ctx, "warmup"); err != nil {
		return nil, err
	}
	info := svc.ModelInfo()
	return &info, nil
}

// WarmupQueries returns the queries a warmup run embeds: the defaults unless
// excluded, followed by custom ones, without duplicates.
func WarmupQueries(custom []string, includeDefault bool) []string {
	seen := make(map[string]bool)
	var queries []string
	add := func(list []string) {
		for _, q := range list {
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			queries = append(queries, q)
		}
	}
	if includeDefault {
		add(DefaultWarmupQueries)
	}
	add(custom)
	return queries
}

// WarmupCache embeds queries through svc in batches; when svc is a
// CachedService the vectors land in its cache.
func WarmupCache(ctx context.Context, svc Service, queries []string) (*CacheWarmupStats, error) {
	start := time.Now()
	stats := &CacheWarmupStats{}

	for i := 0; i < len(queries); i += warmupBatchSize {
		end := min(i+warmupBatchSize, len(queries))
		if _, err := svc.EmbedBatch(ctx, queries[i:end]); err != nil {
			return stats, fmt.Errorf("failed to warm queries %d-%d: %w", i, end-1, err)
		}
		stats.Warmed += end - i
	}

	elapsed := time.Since(start)
	stats.TimeMS = float64(elapsed.Microseconds()) / 1000
	if stats.Warmed > 0 {
		stats.TimePerQueryMS = stats.TimeMS / float64(stats.Warmed)
	}
	return stats, nil
}
