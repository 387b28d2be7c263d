package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Embedding Prometheus metrics.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memento",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"backend", "operation", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memento",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "operation"},
	)

	EmbeddingTextsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memento",
			Name:      "embedding_texts_total",
			Help:      "Total texts embedded",
		},
		[]string{"backend"},
	)

	EmbeddingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memento",
			Name:      "embedding_errors_total",
			Help:      "Total embedding errors",
		},
		[]string{"backend", "error_type"},
	)

	ModelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memento",
			Name:      "model_load_duration_seconds",
			Help:      "Model load duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "status"},
	)

	ModelReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memento",
			Name:      "model_ready",
			Help:      "1 when a model is loaded and serving",
		},
		[]string{"backend"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memento",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var registerOnce sync.Once

// RegisterEmbeddingMetrics registers embedding metrics with the default registry.
func RegisterEmbeddingMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(EmbeddingRequestsTotal)
		prometheus.MustRegister(EmbeddingRequestDuration)
		prometheus.MustRegister(EmbeddingTextsTotal)
		prometheus.MustRegister(EmbeddingErrorsTotal)
		prometheus.MustRegister(ModelLoadDuration)
		prometheus.MustRegister(ModelReady)
		prometheus.MustRegister(EmbeddingCacheTotal)
	})
}
