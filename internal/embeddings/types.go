package embeddings

import (
	"time"
)

const (
	// EmbeddingDimensions is the hidden size of all-MiniLM-L6-v2
	EmbeddingDimensions = 384
	// MaxSequenceLength bounds tokenized sequences, special tokens included
	MaxSequenceLength = 256

	DefaultModelName  = "all-MiniLM-L6-v2"
	DefaultModelFile  = DefaultModelName + ".onnx"
	TokenizerFileName = "tokenizer.json"
	DefaultModelDir   = ".memento/models"

	// Graph input and output names
	InputIDsName      = "input_ids"
	AttentionMaskName = "attention_mask"
	TokenTypeIDsName  = "token_type_ids"
	HiddenStateOutput = "last_hidden_state"
	GenericOutput     = "output"
)

// BackendType selects the inference backend behind a Service
type BackendType string

const (
	BackendOnnx BackendType = "onnx"
	BackendNull BackendType = "null"
)

// ModelConfig contains embedding model configuration
type ModelConfig struct {
	Backend           BackendType `yaml:"backend" mapstructure:"backend"`                         // "onnx" | "null"
	ModelName         string      `yaml:"model_name" mapstructure:"model_name"`                   // "all-MiniLM-L6-v2"
	ModelPath         string      `yaml:"model_path" mapstructure:"model_path"`                   // "" = ~/.memento/models/all-MiniLM-L6-v2.onnx
	SharedLibraryPath string      `yaml:"shared_library_path" mapstructure:"shared_library_path"` // onnxruntime shared library
	IntraOpThreads    int         `yaml:"intra_op_threads" mapstructure:"intra_op_threads"`       // 0 = runtime default
}

// EmbeddingVector is one pooled, L2-normalized embedding
type EmbeddingVector []float32

// ModelState is the lifecycle state of a loaded model
type ModelState int

const (
	StateUnloaded ModelState = iota
	StateLoading
	StateReady
	StateFailed
)

func (s ModelState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "not_loaded"
	}
}

// StateListener observes model state transitions. It is called with the
// engine's state lock held and must not block.
type StateListener func(change StateChange)

// StateChange is one lifecycle transition. ModelPath is the artifact being
// loaded, or the installed one once a load succeeds; it is empty after Close.
// A failed reload that keeps the previous model has State StateReady, Err set
// and ModelPath naming the artifact that failed.
type StateChange struct {
	State     ModelState
	ModelPath string
	Err       error
}

// ModelDescriptor describes the model behind a Service
type ModelDescriptor struct {
	Name              string        `json:"name"`
	Dimensions        int           `json:"dimensions"`
	MaxSequenceLength int           `json:"max_sequence_length"`
	Backend           BackendType   `json:"backend"`
	Ready             bool          `json:"ready"`
	Status            string        `json:"status"`
	ModelPath         string        `json:"model_path,omitempty"`
	LoadedAt          time.Time     `json:"loaded_at,omitempty"`
	LoadDuration      time.Duration `json:"load_duration,omitempty"`
}

// EncodedSequence is the tokenizer output for one text. All arrays have the
// same length; Length counts the real (unpadded) tokens.
type EncodedSequence struct {
	IDs           []int64
	AttentionMask []int64
	TypeIDs       []int64
	Length        int
}

// EncodedBatch is a tokenized batch padded to its own longest sequence
type EncodedBatch struct {
	Sequences []EncodedSequence
	MaxLength int
}

// InputTensorSet holds the three row-major [BatchSize, SeqLen] model inputs
type InputTensorSet struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	BatchSize     int
	SeqLen        int
}

// OutputTensor is a float32 model output with its shape
type OutputTensor struct {
	Shape []int64
	Data  []float32
}

// TensorInfo describes one declared graph input or output. Dynamic dimensions are -1.
type TensorInfo struct {
	Name  string
	Dims  []int64
	Float bool
}

// ModelSource tells a GraphCompiler where the artifact lives. External data
// files referenced by the graph are resolved against BaseDir.
type ModelSource struct {
	Path    string
	BaseDir string
}
