//go:build onnx
// +build onnx

package embeddings

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// externalDataFolderKey makes ONNX Runtime resolve external initializer
// files against an explicit folder when the graph is loaded from memory.
const externalDataFolderKey = "session.model_external_initializers_file_folder_path"

var runtimeInit struct {
	once sync.Once
	err  error
}

// initRuntime initializes the process-wide ONNX Runtime environment once.
func initRuntime(libPath string, logger *zap.Logger) error {
	runtimeInit.once.Do(func() {
		if libPath == "" {
			// Allow user to provide shared library path via environment variable.
			if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
				libPath = shlib
			} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
				libPath = shlib
			}
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeInit.err = err
			logger.Error("ONNX Runtime environment init failed", zap.Error(err))
			return
		}
		logger.Info("ONNX Runtime environment ready", zap.String("shared_library", libPath))
	})
	return runtimeInit.err
}

type ortCompiler struct {
	config ModelConfig
	logger *zap.Logger
}

// NewGraphCompiler returns the ONNX Runtime graph compiler. Requires build tag 'onnx'.
func NewGraphCompiler(config ModelConfig, logger *zap.Logger) GraphCompiler {
	return &ortCompiler{config: config, logger: logger}
}

// Compile reads the model bytes and builds a session whose external data is
// resolved against src.BaseDir.
func (c *ortCompiler) Compile(src ModelSource) (Graph, error) {
	if err := initRuntime(c.config.SharedLibraryPath, c.logger); err != nil {
		return nil, wrapErr(ErrModelLoadFailed, "initialize onnx runtime", err)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, wrapErr(ErrIOFailure, "read model "+src.Path, err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, wrapErr(ErrModelLoadFailed, "inspect model io", err)
	}
	inputs := toTensorInfo(inputsInfo)
	outputs := toTensorInfo(outputsInfo)

	outputName, err := SelectOutputName(outputs)
	if err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, wrapErr(ErrModelLoadFailed, "create session options", err)
	}
	defer opts.Destroy()

	if err := opts.AddSessionConfigEntry(externalDataFolderKey, src.BaseDir); err != nil {
		return nil, wrapErr(ErrModelLoadFailed, "set external data folder", err)
	}
	if c.config.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(c.config.IntraOpThreads); err != nil {
			return nil, wrapErr(ErrModelLoadFailed, "set intra-op threads", err)
		}
	}

	inputNames := []string{InputIDsName, AttentionMaskName, TokenTypeIDsName}
	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(data, inputNames, []string{outputName}, opts)
	if err != nil {
		return nil, wrapErr(ErrModelLoadFailed, "create session for "+src.Path, err)
	}

	c.logger.Info("ONNX Runtime session ready",
		zap.String("model", src.Path),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
	)
	return &ortGraph{session: sess, inputs: inputs, outputs: outputs, outputName: outputName}, nil
}

func toTensorInfo(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		out[i] = TensorInfo{
			Name:  info.Name,
			Dims:  append([]int64(nil), info.Dimensions...),
			Float: info.DataType == ort.TensorElementDataTypeFloat,
		}
	}
	return out
}

// ortGraph is a Graph backed by a DynamicAdvancedSession
type ortGraph struct {
	session    *ort.DynamicAdvancedSession
	inputs     []TensorInfo
	outputs    []TensorInfo
	outputName string
}

func (g *ortGraph) Inputs() []TensorInfo  { return g.inputs }
func (g *ortGraph) Outputs() []TensorInfo { return g.outputs }

func (g *ortGraph) Run(inputs *InputTensorSet, output string) (*OutputTensor, error) {
	if output != g.outputName {
		return nil, fmt.Errorf("session was built for output %q, not %q", g.outputName, output)
	}

	shape := ort.NewShape(inputs.Shape()...)
	idsTensor, err := ort.NewTensor(shape, inputs.InputIDs)
	if err != nil {
		return nil, wrapErr(ErrTensorConstructionFailed, "create input_ids tensor", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, inputs.AttentionMask)
	if err != nil {
		return nil, wrapErr(ErrTensorConstructionFailed, "create attention_mask tensor", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, inputs.TokenTypeIDs)
	if err != nil {
		return nil, wrapErr(ErrTensorConstructionFailed, "create token_type_ids tensor", err)
	}
	defer typeTensor.Destroy()

	// One output; let ORT allocate it
	outputs := []ort.Value{nil}
	if err := g.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}

	// Tensor memory is released with the value; copy out
	return &OutputTensor{
		Shape: append([]int64(nil), outTensor.GetShape()...),
		Data:  append([]float32(nil), outTensor.GetData()...),
	}, nil
}

func (g *ortGraph) Close() error {
	if g.session == nil {
		return nil
	}
	err := g.session.Destroy()
	g.session = nil
	return err
}
