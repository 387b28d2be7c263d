package embeddings

import (
	"context"
)

// Service defines the embedding engine surface shared by every backend and decorator
type Service interface {
	// Load replaces the current model with the one at path ("" = default path).
	Load(ctx context.Context, path string) (*ModelDescriptor, error)
	IsReady() bool
	Embed(ctx context.Context, text string) (EmbeddingVector, error)
	// EmbedBatch returns one vector per text in order. An empty batch returns
	// an empty result without loading anything.
	EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error)
	ModelInfo() ModelDescriptor
	Close() error
}

var (
	_ Service = (*OnnxBackend)(nil)
	_ Service = (*NullBackend)(nil)
	_ Service = (*CachedService)(nil)
	_ Service = (*InstrumentedService)(nil)
)
