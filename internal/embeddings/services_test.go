package embeddings

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/cache"
)

// recordingService counts the texts that reach the wrapped backend.
type recordingService struct {
	*NullBackend
	batches  [][]string
	loads    int
	failNext error
}

func (r *recordingService) Load(ctx context.Context, path string) (*ModelDescriptor, error) {
	r.loads++
	return r.NullBackend.Load(ctx, path)
}

func (r *recordingService) Embed(ctx context.Context, text string) (EmbeddingVector, error) {
	vectors, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (r *recordingService) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	r.batches = append(r.batches, append([]string(nil), texts...))
	vectors, err := r.NullBackend.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	// mark each vector with its text length so cache hits are traceable
	for i, text := range texts {
		vectors[i][0] = float32(len(text))
	}
	return vectors, nil
}

func TestNullBackend(t *testing.T) {
	ctx := context.Background()
	n := NewNullBackend("")

	if n.IsReady() {
		t.Error("expected null backend not ready before use")
	}
	empty, err := n.EmbedBatch(ctx, []string{})
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty result, got %v, %v", empty, err)
	}
	if n.IsReady() {
		t.Error("empty batch must not load")
	}

	vectors, err := n.EmbedBatch(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	for _, vec := range vectors {
		if len(vec) != EmbeddingDimensions {
			t.Errorf("expected %d dimensions, got %d", EmbeddingDimensions, len(vec))
		}
		for _, v := range vec {
			if v != 0 {
				t.Fatal("expected zero vector")
			}
		}
	}

	info := n.ModelInfo()
	if !info.Ready || info.Backend != BackendNull || info.Name != DefaultModelName || info.Status != "loaded" {
		t.Errorf("unexpected info %+v", info)
	}

	_ = n.Close()
	if n.IsReady() {
		t.Error("expected not ready after Close")
	}
}

func TestCachedService(t *testing.T) {
	ctx := context.Background()
	next := &recordingService{NullBackend: NewNullBackend("")}
	svc := NewCachedService(next, cache.NewMemoryCache(100, 0), zap.NewNop())

	first, err := svc.EmbedBatch(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	second, err := svc.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(next.batches) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(next.batches))
	}
	if len(next.batches[1]) != 1 || next.batches[1][0] != "gamma" {
		t.Errorf("expected only the miss to reach the backend, got %v", next.batches[1])
	}
	if second[0][0] != first[1][0] || second[2][0] != first[0][0] {
		t.Error("expected cached vectors returned in request order")
	}
	if second[1][0] != float32(len("gamma")) {
		t.Errorf("expected fresh vector for gamma, got %f", second[1][0])
	}

	stats, _ := svc.CacheStats(ctx)
	if stats.Hits != 2 {
		t.Errorf("expected 2 cache hits, got %d", stats.Hits)
	}

	t.Run("load clears cache", func(t *testing.T) {
		if _, err := svc.Load(ctx, ""); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		calls := len(next.batches)
		if _, err := svc.Embed(ctx, "alpha"); err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if len(next.batches) != calls+1 {
			t.Error("expected cache miss after reload")
		}
	})

	t.Run("backend errors propagate", func(t *testing.T) {
		next.failNext = wrapErr(ErrInferenceFailed, "boom", nil)
		if _, err := svc.Embed(ctx, "never seen"); !errors.Is(err, ErrInferenceFailed) {
			t.Errorf("expected ErrInferenceFailed, got %v", err)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		calls := len(next.batches)
		vectors, err := svc.EmbedBatch(ctx, nil)
		if err != nil || len(vectors) != 0 || len(next.batches) != calls {
			t.Errorf("expected empty passthrough, got %v, %v", vectors, err)
		}
	})
}

// generationService stamps every vector with the number of loads so far.
// When started and release are set, the next EmbedBatch reads its generation,
// signals started and blocks until release is closed.
type generationService struct {
	*NullBackend
	mu         sync.Mutex
	generation int
	started    chan struct{}
	release    chan struct{}
}

func (g *generationService) Load(ctx context.Context, path string) (*ModelDescriptor, error) {
	g.mu.Lock()
	g.generation++
	g.mu.Unlock()
	return g.NullBackend.Load(ctx, path)
}

func (g *generationService) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	g.mu.Lock()
	generation := g.generation
	started, release := g.started, g.release
	g.started, g.release = nil, nil
	g.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}

	vectors, err := g.NullBackend.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i := range vectors {
		vectors[i][0] = float32(generation)
	}
	return vectors, nil
}

func TestCachedService_ReloadDuringEmbed(t *testing.T) {
	ctx := context.Background()
	next := &generationService{NullBackend: NewNullBackend("")}
	memory := cache.NewMemoryCache(100, 0)
	svc := NewCachedService(next, memory, zap.NewNop())

	if _, err := svc.Load(ctx, ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	next.mu.Lock()
	next.started, next.release = started, release
	next.mu.Unlock()

	done := make(chan EmbeddingVector, 1)
	go func() {
		vec, err := svc.Embed(ctx, "q")
		if err != nil {
			t.Errorf("Embed failed: %v", err)
		}
		done <- vec
	}()

	<-started
	if _, err := svc.Load(ctx, ""); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	close(release)

	if stale := <-done; stale != nil && stale[0] != 1 {
		t.Errorf("in-flight embed should report the model it ran on, got generation %v", stale[0])
	}
	if memory.Len() != 0 {
		t.Errorf("vectors from the previous model were cached: %d entries", memory.Len())
	}

	vec, err := svc.Embed(ctx, "q")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if vec[0] != 2 {
		t.Errorf("expected vector from generation 2 after reload, got %v", vec[0])
	}

	again, err := svc.Embed(ctx, "q")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if again[0] != 2 || memory.Len() != 1 {
		t.Errorf("expected current-generation vector to be cached, got %v with %d entries", again[0], memory.Len())
	}
}

func TestInstrumentedService(t *testing.T) {
	ctx := context.Background()
	next := &recordingService{NullBackend: NewNullBackend("")}
	svc := NewInstrumentedService(next)

	if _, err := svc.Load(ctx, ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := svc.EmbedBatch(ctx, []string{"x", "y"}); err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	next.failNext = wrapErr(ErrTensorConstructionFailed, "bad", nil)
	if _, err := svc.Embed(ctx, "z"); !errors.Is(err, ErrTensorConstructionFailed) {
		t.Errorf("expected error passthrough, got %v", err)
	}
	if !svc.IsReady() || svc.ModelInfo().Backend != BackendNull {
		t.Error("expected delegation of IsReady and ModelInfo")
	}
}

func TestWarmup(t *testing.T) {
	ctx := context.Background()

	t.Run("model", func(t *testing.T) {
		next := &recordingService{NullBackend: NewNullBackend("")}
		info, err := WarmupModel(ctx, next, "")
		if err != nil {
			t.Fatalf("WarmupModel failed: %v", err)
		}
		if !info.Ready || next.loads != 1 {
			t.Errorf("expected one load and a ready model, got %+v after %d loads", info, next.loads)
		}

		// already ready: no second load
		if _, err := WarmupModel(ctx, next, ""); err != nil {
			t.Fatalf("WarmupModel failed: %v", err)
		}
		if next.loads != 1 {
			t.Errorf("expected no reload, got %d loads", next.loads)
		}
	})

	t.Run("queries", func(t *testing.T) {
		queries := WarmupQueries([]string{"custom", DefaultWarmupQueries[0], ""}, true)
		if len(queries) != len(DefaultWarmupQueries)+1 {
			t.Errorf("expected defaults plus one custom query, got %d", len(queries))
		}
		if queries[len(queries)-1] != "custom" {
			t.Errorf("expected custom query last, got %q", queries[len(queries)-1])
		}
		if got := WarmupQueries([]string{"only"}, false); len(got) != 1 {
			t.Errorf("expected only custom queries, got %v", got)
		}
	})

	t.Run("cache", func(t *testing.T) {
		next := &recordingService{NullBackend: NewNullBackend("")}
		memory := cache.NewMemoryCache(100, 0)
		svc := NewCachedService(next, memory, zap.NewNop())

		queries := make([]string, 40)
		for i := range queries {
			queries[i] = string(rune('a'+i%26)) + string(rune('A'+i/26))
		}
		stats, err := WarmupCache(ctx, svc, queries)
		if err != nil {
			t.Fatalf("WarmupCache failed: %v", err)
		}
		if stats.Warmed != 40 {
			t.Errorf("expected 40 warmed, got %d", stats.Warmed)
		}
		if len(next.batches) != 2 {
			t.Errorf("expected 2 batches of at most %d, got %d", warmupBatchSize, len(next.batches))
		}
		if memory.Len() != 40 {
			t.Errorf("expected 40 cached entries, got %d", memory.Len())
		}
	})

	t.Run("cache failure", func(t *testing.T) {
		next := &recordingService{NullBackend: NewNullBackend(""), failNext: errors.New("down")}
		if _, err := WarmupCache(ctx, next, []string{"a"}); err == nil {
			t.Error("expected warmup failure")
		}
	})
}

func TestFactory(t *testing.T) {
	logger := zap.NewNop()

	t.Run("null backend", func(t *testing.T) {
		svc, err := NewFactory(logger).CreateService(ServiceConfig{
			Model: CreateDefaultConfig(BackendNull),
			Cache: cache.NewMemoryCache(10, 0),
		})
		if err != nil {
			t.Fatalf("CreateService failed: %v", err)
		}
		if _, ok := svc.(*CachedService); !ok {
			t.Errorf("expected cached service, got %T", svc)
		}
		if svc.ModelInfo().Backend != BackendNull {
			t.Errorf("expected null backend, got %s", svc.ModelInfo().Backend)
		}
	})

	t.Run("onnx backend with compiler", func(t *testing.T) {
		modelPath := writeArtifacts(t, true)
		f := NewFactory(logger,
			WithCompiler(&countingCompiler{}),
			WithLoaderOptions(WithTokenizerLoader(loadWordTokenizer)))
		config := CreateDefaultConfig(BackendOnnx)
		config.ModelPath = modelPath

		svc, err := f.CreateService(ServiceConfig{Model: config, Metrics: true})
		if err != nil {
			t.Fatalf("CreateService failed: %v", err)
		}
		vec, err := svc.Embed(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if len(vec) != EmbeddingDimensions {
			t.Errorf("expected %d dimensions, got %d", EmbeddingDimensions, len(vec))
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		if _, err := NewFactory(logger).CreateBackend(ModelConfig{Backend: "tensorrt"}, nil); err == nil {
			t.Error("expected error for unknown backend")
		}
		if err := ValidateModelConfig(ModelConfig{Backend: BackendOnnx, IntraOpThreads: -1}); err == nil {
			t.Error("expected error for negative threads")
		}
	})
}
