package embeddings

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/cache"
	"github.com/memento-ai/memento-core/internal/metrics"
)

// CachedService serves repeated texts from a cache and embeds only the misses.
// Cache failures degrade to misses.
type CachedService struct {
	next   Service
	cache  cache.Cache
	logger *zap.Logger

	// generation counts successful loads. Write-backs hold genMu for reading
	// and are skipped when the generation moved since their embed started;
	// Load holds it for writing while it bumps the generation and clears.
	genMu      sync.RWMutex
	generation uint64
}

// NewCachedService wraps next with c
func NewCachedService(next Service, c cache.Cache, logger *zap.Logger) *CachedService {
	return &CachedService{next: next, cache: c, logger: logger}
}

// Load reloads the model and drops every cached vector, since they belong to
// the previous model.
func (s *CachedService) Load(ctx context.Context, path string) (*ModelDescriptor, error) {
	desc, err := s.next.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generation++
	if err := s.cache.Clear(ctx); err != nil {
		s.logger.Warn("Failed to clear embedding cache after reload", zap.Error(err))
	}
	return desc, nil
}

func (s *CachedService) IsReady() bool {
	return s.next.IsReady()
}

func (s *CachedService) Embed(ctx context.Context, text string) (EmbeddingVector, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *CachedService) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	if len(texts) == 0 {
		return []EmbeddingVector{}, nil
	}

	cached, err := s.cache.GetMany(ctx, texts)
	if err != nil || len(cached) != len(texts) {
		s.logger.Warn("Embedding cache lookup failed", zap.Error(err))
		cached = make([][]float32, len(texts))
	}

	out := make([]EmbeddingVector, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if len(cached[i]) == EmbeddingDimensions {
			out[i] = cached[i]
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	hits := len(texts) - len(missTexts)
	metrics.EmbeddingCacheTotal.WithLabelValues("hit").Add(float64(hits))
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Add(float64(len(missTexts)))

	if len(missTexts) == 0 {
		return out, nil
	}

	generation := s.currentGeneration()
	vectors, err := s.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	raw := make([][]float32, len(vectors))
	for j, vec := range vectors {
		out[missIdx[j]] = vec
		raw[j] = vec
	}
	s.writeBack(ctx, generation, missTexts, raw)

	s.logger.Debug("Embedded batch through cache",
		zap.Int("texts", len(texts)),
		zap.Int("cache_hits", hits))
	return out, nil
}

func (s *CachedService) currentGeneration() uint64 {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generation
}

// writeBack caches vectors computed under generation unless a reload has
// happened since.
func (s *CachedService) writeBack(ctx context.Context, generation uint64, texts []string, vectors [][]float32) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if s.generation != generation {
		s.logger.Debug("Model reloaded during embed, not caching results", zap.Int("count", len(vectors)))
		return
	}
	if err := s.cache.SetMany(ctx, texts, vectors); err != nil {
		s.logger.Warn("Failed to cache embeddings", zap.Error(err), zap.Int("count", len(vectors)))
	}
}

func (s *CachedService) ModelInfo() ModelDescriptor {
	return s.next.ModelInfo()
}

// CacheStats reports the underlying cache's counters
func (s *CachedService) CacheStats(ctx context.Context) (*cache.CacheStats, error) {
	return s.cache.Stats(ctx)
}

// Close closes the wrapped service and the cache
func (s *CachedService) Close() error {
	err := s.next.Close()
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
