package embeddings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ModelHandle is an immutable, fully loaded model. It is replaced on reload,
// never mutated.
type ModelHandle struct {
	Graph             Graph
	Executor          *Executor
	Tokenizer         Tokenizer
	Dimensions        int
	MaxSequenceLength int
	ModelPath         string
	LoadedAt          time.Time
	LoadDuration      time.Duration
}

// Close releases the handle's graph
func (h *ModelHandle) Close() error {
	if h == nil || h.Graph == nil {
		return nil
	}
	return h.Graph.Close()
}

// Loader locates artifacts and builds ModelHandles
type Loader struct {
	compiler      GraphCompiler
	loadTokenizer TokenizerLoader
	homeDir       func() (string, error)
	logger        *zap.Logger
}

// LoaderOption customizes a Loader
type LoaderOption func(*Loader)

// WithTokenizerLoader replaces the tokenizer.json loader
func WithTokenizerLoader(fn TokenizerLoader) LoaderOption {
	return func(l *Loader) { l.loadTokenizer = fn }
}

// WithHomeDir replaces home directory resolution for the default path
func WithHomeDir(fn func() (string, error)) LoaderOption {
	return func(l *Loader) { l.homeDir = fn }
}

// NewLoader creates a loader compiling graphs with compiler
func NewLoader(compiler GraphCompiler, logger *zap.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		compiler:      compiler,
		loadTokenizer: LoadTokenizer,
		homeDir:       os.UserHomeDir,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultModelPath returns <home>/.memento/models/all-MiniLM-L6-v2.onnx
func (l *Loader) DefaultModelPath() (string, error) {
	home, err := l.homeDir()
	if err != nil {
		return "", wrapErr(ErrIOFailure, "resolve home directory", err)
	}
	return filepath.Join(home, DefaultModelDir, DefaultModelFile), nil
}

// ResolveModelPath returns the absolute artifact path, using the default when path is empty.
func (l *Loader) ResolveModelPath(path string) (string, error) {
	if path == "" {
		def, err := l.DefaultModelPath()
		if err != nil {
			return "", err
		}
		path = def
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", wrapErr(ErrIOFailure, "resolve model path "+path, err)
	}
	return abs, nil
}

// Load builds a complete handle from the artifact at path. On error nothing
// is retained.
func (l *Loader) Load(path string) (*ModelHandle, error) {
	start := time.Now()

	modelPath, err := l.ResolveModelPath(path)
	if err != nil {
		return nil, err
	}
	baseDir := filepath.Dir(modelPath)
	tokenizerPath := filepath.Join(baseDir, TokenizerFileName)

	l.logger.Info("Loading embedding model",
		zap.String("model", modelPath),
		zap.String("tokenizer", tokenizerPath),
	)

	tok, err := l.loadTokenizer(tokenizerPath, MaxSequenceLength)
	if err != nil {
		if KindOf(err) == ErrTokenizerLoadFailed {
			return nil, err
		}
		return nil, wrapErr(ErrTokenizerLoadFailed, tokenizerPath, err)
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, wrapErr(ErrIOFailure, "stat model "+modelPath, err)
	}

	graph, err := l.compiler.Compile(ModelSource{Path: modelPath, BaseDir: baseDir})
	if err != nil {
		if KindOf(err) != nil {
			return nil, err
		}
		return nil, wrapErr(ErrModelLoadFailed, modelPath, err)
	}

	handle, err := l.assemble(graph, tok, modelPath)
	if err != nil {
		if cerr := graph.Close(); cerr != nil {
			l.logger.Warn("Failed to release graph after load error", zap.Error(cerr))
		}
		return nil, err
	}
	handle.LoadedAt = time.Now()
	handle.LoadDuration = time.Since(start)

	l.logger.Info("Embedding model loaded",
		zap.String("model", modelPath),
		zap.String("output", handle.Executor.OutputName()),
		zap.Duration("duration", handle.LoadDuration),
	)
	return handle, nil
}

func (l *Loader) assemble(graph Graph, tok Tokenizer, modelPath string) (*ModelHandle, error) {
	declared := map[string]bool{}
	for _, in := range graph.Inputs() {
		declared[in.Name] = true
	}
	for _, name := range []string{InputIDsName, AttentionMaskName, TokenTypeIDsName} {
		if !declared[name] {
			return nil, wrapErr(ErrModelLoadFailed, fmt.Sprintf("graph %s lacks input %q", modelPath, name), nil)
		}
	}

	exec, err := NewExecutor(graph)
	if err != nil {
		return nil, err
	}

	for _, out := range graph.Outputs() {
		if out.Name != exec.OutputName() {
			continue
		}
		if len(out.Dims) == 3 && out.Dims[2] > 0 && out.Dims[2] != EmbeddingDimensions {
			return nil, wrapErr(ErrModelLoadFailed, fmt.Sprintf(
				"output %q hidden size %d, want %d", out.Name, out.Dims[2], EmbeddingDimensions), nil)
		}
	}

	return &ModelHandle{
		Graph:             graph,
		Executor:          exec,
		Tokenizer:         tok,
		Dimensions:        EmbeddingDimensions,
		MaxSequenceLength: MaxSequenceLength,
		ModelPath:         modelPath,
	}, nil
}
