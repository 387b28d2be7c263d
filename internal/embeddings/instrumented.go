package embeddings

import (
	"context"
	"time"

	"github.com/memento-ai/memento-core/internal/metrics"
)

// InstrumentedService records Prometheus metrics around a Service
type InstrumentedService struct {
	next    Service
	backend string
}

// NewInstrumentedService wraps next and registers the embedding metrics
func NewInstrumentedService(next Service) *InstrumentedService {
	metrics.RegisterEmbeddingMetrics()
	return &InstrumentedService{next: next, backend: string(next.ModelInfo().Backend)}
}

func (s *InstrumentedService) Load(ctx context.Context, path string) (*ModelDescriptor, error) {
	start := time.Now()
	desc, err := s.next.Load(ctx, path)

	status := "ok"
	if err != nil {
		status = "error"
		s.recordError(err)
	}
	metrics.ModelLoadDuration.WithLabelValues(s.backend, status).Observe(time.Since(start).Seconds())
	s.updateReady()
	return desc, err
}

func (s *InstrumentedService) IsReady() bool {
	return s.next.IsReady()
}

func (s *InstrumentedService) Embed(ctx context.Context, text string) (EmbeddingVector, error) {
	start := time.Now()
	vec, err := s.next.Embed(ctx, text)
	s.observe("embed", 1, start, err)
	return vec, err
}

func (s *InstrumentedService) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	start := time.Now()
	vectors, err := s.next.EmbedBatch(ctx, texts)
	s.observe("embed_batch", len(texts), start, err)
	return vectors, err
}

func (s *InstrumentedService) ModelInfo() ModelDescriptor {
	return s.next.ModelInfo()
}

func (s *InstrumentedService) Close() error {
	err := s.next.Close()
	metrics.ModelReady.WithLabelValues(s.backend).Set(0)
	return err
}

func (s *InstrumentedService) observe(op string, texts int, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		s.recordError(err)
	} else {
		metrics.EmbeddingTextsTotal.WithLabelValues(s.backend).Add(float64(texts))
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(s.backend, op, status).Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	// first use may have auto-loaded the model
	s.updateReady()
}

func (s *InstrumentedService) recordError(err error) {
	kind := "unknown"
	if k := KindOf(err); k != nil {
		kind = k.Type
	}
	metrics.EmbeddingErrorsTotal.WithLabelValues(s.backend, kind).Inc()
}

func (s *InstrumentedService) updateReady() {
	ready := 0.0
	if s.next.IsReady() {
		ready = 1
	}
	metrics.ModelReady.WithLabelValues(s.backend).Set(ready)
}
