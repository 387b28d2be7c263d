package embeddings

import (
	"errors"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const (
	clsID = 101
	sepID = 102
)

// wordTokenizer splits on whitespace and hashes words into ids, wrapping
// them in [CLS]/[SEP] like a BERT tokenizer.
type wordTokenizer struct {
	maxLength int
}

func (w wordTokenizer) EncodeBatch(texts []string) (*EncodedBatch, error) {
	batch := &EncodedBatch{Sequences: make([]EncodedSequence, len(texts))}
	ids := make([][]int64, len(texts))
	for i, text := range texts {
		seq := []int64{clsID}
		for _, word := range strings.Fields(text) {
			h := fnv.New32a()
			h.Write([]byte(word))
			seq = append(seq, 1000+int64(h.Sum32()%5000))
		}
		if len(seq)+1 > w.maxLength {
			seq = seq[:w.maxLength-1]
		}
		seq = append(seq, sepID)
		ids[i] = seq
		batch.MaxLength = max(batch.MaxLength, len(seq))
	}

	for i, seq := range ids {
		padded := make([]int64, batch.MaxLength)
		mask := make([]int64, batch.MaxLength)
		copy(padded, seq)
		for j := range seq {
			mask[j] = 1
		}
		batch.Sequences[i] = EncodedSequence{
			IDs:           padded,
			AttentionMask: mask,
			TypeIDs:       make([]int64, batch.MaxLength),
			Length:        len(seq),
		}
	}
	return batch, nil
}

// loadWordTokenizer fails like the real loader when tokenizer.json is missing.
func loadWordTokenizer(path string, maxLength int) (Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(ErrTokenizerLoadFailed, path, err)
	}
	if !strings.HasPrefix(string(data), "{") {
		return nil, wrapErr(ErrTokenizerLoadFailed, path, errors.New("malformed tokenizer.json"))
	}
	return wordTokenizer{maxLength: maxLength}, nil
}

// tokenGraph emits hidden states that depend only on the token id, so a
// sequence pools the same alone or in a padded batch. Padding positions get
// a large constant that would skew any unmasked mean.
type tokenGraph struct {
	inputs  []TensorInfo
	outputs []TensorInfo
	hidden  int64
	runErr  error
	closed  atomic.Bool
	runs    atomic.Int32
}

func newTokenGraph() *tokenGraph {
	return &tokenGraph{
		inputs: []TensorInfo{
			{Name: InputIDsName, Dims: []int64{-1, -1}},
			{Name: AttentionMaskName, Dims: []int64{-1, -1}},
			{Name: TokenTypeIDsName, Dims: []int64{-1, -1}},
		},
		outputs: []TensorInfo{
			{Name: "pooler_output", Dims: []int64{-1, EmbeddingDimensions}, Float: true},
			{Name: HiddenStateOutput, Dims: []int64{-1, -1, EmbeddingDimensions}, Float: true},
		},
		hidden: EmbeddingDimensions,
	}
}

func (g *tokenGraph) Inputs() []TensorInfo  { return g.inputs }
func (g *tokenGraph) Outputs() []TensorInfo { return g.outputs }

func (g *tokenGraph) Run(inputs *InputTensorSet, output string) (*OutputTensor, error) {
	g.runs.Add(1)
	if g.closed.Load() {
		return nil, errors.New("graph closed")
	}
	if g.runErr != nil {
		return nil, g.runErr
	}
	if output != HiddenStateOutput {
		return nil, errors.New("unexpected output " + output)
	}

	batch, seq, dims := inputs.BatchSize, inputs.SeqLen, int(g.hidden)
	data := make([]float32, batch*seq*dims)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			pos := b*seq + s
			for d := 0; d < dims; d++ {
				v := float32(50)
				if inputs.AttentionMask[pos] != 0 {
					v = float32(math.Sin(float64(inputs.InputIDs[pos]) * float64(d+1) * 0.01))
				}
				data[pos*dims+d] = v
			}
		}
	}
	return &OutputTensor{Shape: []int64{int64(batch), int64(seq), g.hidden}, Data: data}, nil
}

func (g *tokenGraph) Close() error {
	g.closed.Store(true)
	return nil
}

// countingCompiler hands out tokenGraphs and records every compile.
type countingCompiler struct {
	mu       sync.Mutex
	compiles int
	delay    time.Duration
	err      error
	newGraph func() *tokenGraph
	graphs   []*tokenGraph
	sources  []ModelSource
}

func (c *countingCompiler) Compile(src ModelSource) (Graph, error) {
	time.Sleep(c.delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiles++
	c.sources = append(c.sources, src)
	if c.err != nil {
		return nil, c.err
	}
	build := c.newGraph
	if build == nil {
		build = newTokenGraph
	}
	g := build()
	c.graphs = append(c.graphs, g)
	return g, nil
}

func (c *countingCompiler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}

// writeArtifacts creates a model directory with a model file and, when
// withTokenizer is set, a tokenizer.json. It returns the model path.
func writeArtifacts(t *testing.T, withTokenizer bool) string {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, DefaultModelFile)
	if err := os.WriteFile(modelPath, []byte("onnx"), 0o644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
	if withTokenizer {
		if err := os.WriteFile(filepath.Join(dir, TokenizerFileName), []byte(`{"model":{}}`), 0o644); err != nil {
			t.Fatalf("Failed to write tokenizer: %v", err)
		}
	}
	return modelPath
}

func newTestBackend(t *testing.T, modelPath string, compiler *countingCompiler, opts ...BackendOption) *OnnxBackend {
	t.Helper()
	loader := NewLoader(compiler, zap.NewNop(), WithTokenizerLoader(loadWordTokenizer))
	config := ModelConfig{Backend: BackendOnnx, ModelName: DefaultModelName, ModelPath: modelPath}
	return NewOnnxBackend(config, loader, zap.NewNop(), opts...)
}

func l2Norm(v []float32) float64 {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	return math.Sqrt(sq)
}
