package embeddings

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OnnxBackend owns one model handle and serializes every embedding call and
// handle swap through a single run lock. Loading happens outside that lock;
// the Unloaded/Failed -> Loading transition is taken by exactly one caller
// while the others wait for its outcome.
type OnnxBackend struct {
	config   ModelConfig
	loader   *Loader
	logger   *zap.Logger
	listener StateListener
	// autoInitPath is config.ModelPath resolved once for state reports
	autoInitPath string

	// mu guards state, handle, loadErr and attemptPath. cond is signalled
	// when a load finishes.
	mu          sync.Mutex
	cond        *sync.Cond
	state       ModelState
	handle      *ModelHandle
	loadErr     error
	attemptPath string

	// runMu is held for a whole embedding call and for handle swaps.
	runMu sync.Mutex
}

// BackendOption customizes an OnnxBackend
type BackendOption func(*OnnxBackend)

// WithStateListener reports state transitions to listener.
func WithStateListener(listener StateListener) BackendOption {
	return func(b *OnnxBackend) { b.listener = listener }
}

// NewOnnxBackend creates an engine in the Unloaded state. Nothing is loaded
// until Load or the first embedding request.
func NewOnnxBackend(config ModelConfig, loader *Loader, logger *zap.Logger, opts ...BackendOption) *OnnxBackend {
	b := &OnnxBackend{
		config: config,
		loader: loader,
		logger: logger,
		state:  StateUnloaded,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	b.autoInitPath = b.reportedPath(config.ModelPath)
	return b
}

// Load replaces the current handle with one loaded from path; an empty path
// means the default artifact location. On failure the previous handle, if
// any, stays in service.
func (b *OnnxBackend) Load(_ context.Context, path string) (*ModelDescriptor, error) {
	attempt := b.reportedPath(path)

	b.mu.Lock()
	for b.state == StateLoading {
		b.cond.Wait()
	}
	b.attemptPath = attempt
	b.setStateLocked(StateLoading, nil)
	b.mu.Unlock()

	handle, err := b.loader.Load(path)
	b.publish(handle, err)
	if err != nil {
		return nil, err
	}

	info := b.ModelInfo()
	return &info, nil
}

// IsReady reports whether a model handle is installed
func (b *OnnxBackend) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil
}

// Embed returns the embedding of one text.
func (b *OnnxBackend) Embed(ctx context.Context, text string) (EmbeddingVector, error) {
	vectors, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one inference call, loading the default model
// first if none is installed.
func (b *OnnxBackend) EmbedBatch(_ context.Context, texts []string) ([]EmbeddingVector, error) {
	if len(texts) == 0 {
		return []EmbeddingVector{}, nil
	}

	if err := b.ensureReady(); err != nil {
		return nil, err
	}

	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.mu.Lock()
	handle := b.handle
	b.mu.Unlock()
	if handle == nil {
		return nil, wrapErr(ErrNotInitialized, "model was unloaded", nil)
	}

	return embedWithHandle(handle, texts)
}

// ModelInfo describes the installed model and lifecycle state
func (b *OnnxBackend) ModelInfo() ModelDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := b.config.ModelName
	if name == "" {
		name = DefaultModelName
	}
	info := ModelDescriptor{
		Name:              name,
		Dimensions:        EmbeddingDimensions,
		MaxSequenceLength: MaxSequenceLength,
		Backend:           BackendOnnx,
		Ready:             b.handle != nil,
		Status:            b.state.String(),
	}
	if b.handle != nil {
		info.ModelPath = b.handle.ModelPath
		info.LoadedAt = b.handle.LoadedAt
		info.LoadDuration = b.handle.LoadDuration
	}
	return info
}

// Close releases the installed handle and returns the engine to Unloaded.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	for b.state == StateLoading {
		b.cond.Wait()
	}
	b.mu.Unlock()

	b.runMu.Lock()
	b.mu.Lock()
	handle := b.handle
	b.handle = nil
	b.loadErr = nil
	b.attemptPath = ""
	b.setStateLocked(StateUnloaded, nil)
	b.mu.Unlock()
	b.runMu.Unlock()

	return handle.Close()
}

// ensureReady returns once a handle is installed. A caller that finds no
// handle and no load in flight becomes the loader; callers arriving during
// that load wait and share its outcome.
func (b *OnnxBackend) ensureReady() error {
	b.mu.Lock()
	waited := false
	for {
		if b.handle != nil {
			b.mu.Unlock()
			return nil
		}
		if b.state == StateLoading {
			waited = true
			b.cond.Wait()
			continue
		}
		if b.state == StateFailed && waited {
			err := b.loadErr
			b.mu.Unlock()
			return wrapErr(ErrNotInitialized, "model load failed", err)
		}
		break
	}

	b.attemptPath = b.autoInitPath
	b.setStateLocked(StateLoading, nil)
	b.mu.Unlock()

	b.logger.Info("No model loaded, loading configured model on first use")
	handle, err := b.loader.Load(b.config.ModelPath)
	b.publish(handle, err)
	if err != nil {
		return wrapErr(ErrNotInitialized, "auto-init", err)
	}
	return nil
}

// publish installs a freshly loaded handle, or records a failed attempt, and
// wakes waiting callers. The old handle is closed after the swap.
func (b *OnnxBackend) publish(handle *ModelHandle, loadErr error) {
	if loadErr != nil {
		b.mu.Lock()
		if b.handle != nil {
			b.setStateLocked(StateReady, loadErr)
		} else {
			b.loadErr = loadErr
			b.setStateLocked(StateFailed, loadErr)
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		b.logger.Error("Embedding model load failed", zap.Error(loadErr))
		return
	}

	b.runMu.Lock()
	b.mu.Lock()
	old := b.handle
	b.handle = handle
	b.loadErr = nil
	b.attemptPath = handle.ModelPath
	b.setStateLocked(StateReady, nil)
	b.cond.Broadcast()
	b.mu.Unlock()
	b.runMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			b.logger.Warn("Failed to release previous model", zap.Error(err))
		}
	}
}

func (b *OnnxBackend) setStateLocked(state ModelState, err error) {
	b.state = state
	if b.listener != nil {
		b.listener(StateChange{State: state, ModelPath: b.attemptPath, Err: err})
	}
}

// reportedPath is the absolute path a load of path will read, or path itself
// when it cannot be resolved.
func (b *OnnxBackend) reportedPath(path string) string {
	resolved, err := b.loader.ResolveModelPath(path)
	if err != nil {
		return path
	}
	return resolved
}

// embedWithHandle runs tokenize, tensor build, inference and pooling.
func embedWithHandle(h *ModelHandle, texts []string) ([]EmbeddingVector, error) {
	batch, err := h.Tokenizer.EncodeBatch(texts)
	if err != nil {
		if KindOf(err) != nil {
			return nil, err
		}
		return nil, wrapErr(ErrTensorConstructionFailed, "tokenize batch", err)
	}
	if len(batch.Sequences) != len(texts) {
		return nil, wrapErr(ErrTensorConstructionFailed,
			fmt.Sprintf("tokenizer returned %d sequences for %d texts", len(batch.Sequences), len(texts)), nil)
	}

	inputs, err := BuildInputTensors(batch)
	if err != nil {
		return nil, err
	}

	hidden, err := h.Executor.Run(inputs)
	if err != nil {
		return nil, err
	}

	return PoolAndNormalize(hidden, inputs), nil
}
