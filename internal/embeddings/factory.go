package embeddings

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/cache"
)

// ServiceConfig contains configuration for building an embedding service
type ServiceConfig struct {
	Model   ModelConfig
	Cache   cache.Cache   // nil disables caching
	Metrics bool          // wrap with Prometheus instrumentation
	OnState StateListener // model lifecycle observer, onnx backend only
}

// Factory creates embedding services based on configuration
type Factory struct {
	logger   *zap.Logger
	compiler GraphCompiler
	loadOpts []LoaderOption
}

// FactoryOption customizes a Factory
type FactoryOption func(*Factory)

// WithCompiler overrides the graph compiler used for the onnx backend
func WithCompiler(compiler GraphCompiler) FactoryOption {
	return func(f *Factory) { f.compiler = compiler }
}

// WithLoaderOptions passes options to the onnx backend's Loader
func WithLoaderOptions(opts ...LoaderOption) FactoryOption {
	return func(f *Factory) { f.loadOpts = append(f.loadOpts, opts...) }
}

// NewFactory creates a new embedding service factory
func NewFactory(logger *zap.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateBackend creates the bare backend selected by config.Backend
func (f *Factory) CreateBackend(config ModelConfig, onState StateListener) (Service, error) {
	if err := ValidateModelConfig(config); err != nil {
		return nil, err
	}

	switch config.Backend {
	case BackendNull:
		f.logger.Info("Created null embedding backend", zap.String("model", config.ModelName))
		return NewNullBackend(config.ModelName), nil
	case BackendOnnx, "":
		compiler := f.compiler
		if compiler == nil {
			compiler = NewGraphCompiler(config, f.logger)
		}
		loader := NewLoader(compiler, f.logger, f.loadOpts...)
		var opts []BackendOption
		if onState != nil {
			opts = append(opts, WithStateListener(onState))
		}
		f.logger.Info("Created onnx embedding backend",
			zap.String("model", config.ModelName),
			zap.String("model_path", config.ModelPath))
		return NewOnnxBackend(config, loader, f.logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s", config.Backend)
	}
}

// CreateService creates the backend and layers caching and instrumentation on top
func (f *Factory) CreateService(config ServiceConfig) (Service, error) {
	svc, err := f.CreateBackend(config.Model, config.OnState)
	if err != nil {
		return nil, err
	}
	if config.Cache != nil {
		svc = NewCachedService(svc, config.Cache, f.logger)
	}
	if config.Metrics {
		svc = NewInstrumentedService(svc)
	}
	return svc, nil
}

// ValidateModelConfig validates the embedding model configuration
func ValidateModelConfig(config ModelConfig) error {
	switch config.Backend {
	case BackendOnnx, BackendNull, "":
	default:
		return fmt.Errorf("invalid backend: %s (must be one of: onnx, null)", config.Backend)
	}
	if config.IntraOpThreads < 0 {
		return fmt.Errorf("intra_op_threads must not be negative")
	}
	return nil
}

// CreateDefaultConfig returns the default model configuration for a backend
func CreateDefaultConfig(backend BackendType) ModelConfig {
	return ModelConfig{
		Backend:   backend,
		ModelName: DefaultModelName,
	}
}
