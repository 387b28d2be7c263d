package embeddings

import (
	"context"
	"sync"
	"time"
)

// NullBackend returns zero vectors without any model artifacts. It is meant
// for bring-up and tests of the surfaces around the engine.
type NullBackend struct {
	name     string
	mu       sync.RWMutex
	ready    bool
	loadedAt time.Time
}

// NewNullBackend creates a null backend reporting the given model name
func NewNullBackend(name string) *NullBackend {
	if name == "" {
		name = DefaultModelName
	}
	return &NullBackend{name: name}
}

// Load marks the backend ready; path is ignored.
func (n *NullBackend) Load(_ context.Context, _ string) (*ModelDescriptor, error) {
	n.mu.Lock()
	n.ready = true
	n.loadedAt = time.Now()
	n.mu.Unlock()

	info := n.ModelInfo()
	return &info, nil
}

func (n *NullBackend) IsReady() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

func (n *NullBackend) Embed(ctx context.Context, text string) (EmbeddingVector, error) {
	vectors, err := n.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one zero vector per text, marking the backend ready like
// an auto-init would.
func (n *NullBackend) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingVector, error) {
	if len(texts) == 0 {
		return []EmbeddingVector{}, nil
	}
	if !n.IsReady() {
		if _, err := n.Load(ctx, ""); err != nil {
			return nil, err
		}
	}

	out := make([]EmbeddingVector, len(texts))
	for i := range out {
		out[i] = make(EmbeddingVector, EmbeddingDimensions)
	}
	return out, nil
}

func (n *NullBackend) ModelInfo() ModelDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()

	status := StateUnloaded
	if n.ready {
		status = StateReady
	}
	return ModelDescriptor{
		Name:              n.name,
		Dimensions:        EmbeddingDimensions,
		MaxSequenceLength: MaxSequenceLength,
		Backend:           BackendNull,
		Ready:             n.ready,
		Status:            status.String(),
		LoadedAt:          n.loadedAt,
	}
}

func (n *NullBackend) Close() error {
	n.mu.Lock()
	n.ready = false
	n.mu.Unlock()
	return nil
}
