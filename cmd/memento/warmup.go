package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/config"
	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/logger"
)

type warmupOptions struct {
	modelOnly      bool
	jsonOutput     bool
	quiet          bool
	includeDefault bool
	custom         []string
}

type warmupResult struct {
	Success bool                         `json:"success"`
	Model   *embeddings.ModelDescriptor  `json:"model,omitempty"`
	Cache   *embeddings.CacheWarmupStats `json:"cache,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

// runWarmup loads the model and optionally pre-computes the warmup queries
// into the configured cache. It returns the process exit code.
func runWarmup(ctx context.Context, cfg *config.Config, log *logger.Logger, opts warmupOptions) int {
	result := &warmupResult{}
	code := warmup(ctx, cfg, log, opts, result)
	result.Success = code == 0

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if code != 0 {
		fmt.Fprintf(os.Stderr, "Warmup failed: %s\n", result.Error)
	}
	return code
}

func warmup(ctx context.Context, cfg *config.Config, log *logger.Logger, opts warmupOptions, result *warmupResult) int {
	progress := func(format string, args ...interface{}) {
		if !opts.quiet && !opts.jsonOutput {
			fmt.Printf(format+"\n", args...)
		}
	}

	embeddingCache, err := newCache(cfg, log)
	if err != nil {
		result.Error = err.Error()
		return exitModelFailed
	}

	svc, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).CreateService(embeddings.ServiceConfig{
		Model: modelConfigFrom(cfg),
		Cache: embeddingCache,
	})
	if err != nil {
		if embeddingCache != nil {
			embeddingCache.Close()
		}
		result.Error = err.Error()
		return exitModelFailed
	}
	defer svc.Close()

	progress("Loading model...")
	info, err := embeddings.WarmupModel(ctx, svc, cfg.Embedding.ModelPath)
	if err != nil {
		result.Error = err.Error()
		return exitModelFailed
	}
	result.Model = info
	progress("Model %s loaded from %s in %s", info.Name, info.ModelPath, info.LoadDuration)

	if opts.modelOnly {
		return 0
	}

	queries := embeddings.WarmupQueries(opts.custom, opts.includeDefault)
	progress("Warming cache with %d queries...", len(queries))
	stats, err := embeddings.WarmupCache(ctx, svc, queries)
	result.Cache = stats
	if err != nil {
		log.Error("Cache warmup failed", zap.Error(err))
		result.Error = err.Error()
		return exitCacheFailed
	}
	progress("Warmed %d queries in %.1fms (%.2fms/query)", stats.Warmed, stats.TimeMS, stats.TimePerQueryMS)
	return 0
}
