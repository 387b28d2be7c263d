package embeddings

import (
	"fmt"
	"strings"
)

// Graph is a compiled inference graph
type Graph interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	// Run feeds the three token inputs and returns the named output
	Run(inputs *InputTensorSet, output string) (*OutputTensor, error)
	Close() error
}

// GraphCompiler compiles a model artifact into a Graph
type GraphCompiler interface {
	Compile(src ModelSource) (Graph, error)
}

// SelectOutputName picks the hidden-state output: last_hidden_state, then
// output, then the only declared output.
func SelectOutputName(outputs []TensorInfo) (string, error) {
	if len(outputs) == 0 {
		return "", wrapErr(ErrInferenceFailed, "graph declares no outputs", nil)
	}
	for _, preferred := range []string{HiddenStateOutput, GenericOutput} {
		for _, out := range outputs {
			if out.Name == preferred {
				return out.Name, nil
			}
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, nil
	}

	names := make([]string, len(outputs))
	for i, out := range outputs {
		names[i] = out.Name
	}
	return "", wrapErr(ErrInferenceFailed, "no hidden-state output among "+strings.Join(names, ", "), nil)
}

// Executor runs a graph against its selected hidden-state output
type Executor struct {
	graph      Graph
	outputName string
}

// NewExecutor selects the graph's hidden-state output.
func NewExecutor(graph Graph) (*Executor, error) {
	name, err := SelectOutputName(graph.Outputs())
	if err != nil {
		return nil, err
	}
	return &Executor{graph: graph, outputName: name}, nil
}

// OutputName returns the selected output
func (e *Executor) OutputName() string {
	return e.outputName
}

// Run executes the graph and checks the result is [batch, seqLen, 384].
func (e *Executor) Run(inputs *InputTensorSet) (*OutputTensor, error) {
	out, err := e.graph.Run(inputs, e.outputName)
	if err != nil {
		return nil, wrapErr(ErrInferenceFailed, "run graph", err)
	}
	if out == nil {
		return nil, wrapErr(ErrInferenceFailed, "graph produced no output", nil)
	}
	if len(out.Shape) != 3 {
		return nil, wrapErr(ErrInferenceFailed, fmt.Sprintf("output %q has shape %v, want 3 dimensions", e.outputName, out.Shape), nil)
	}

	batch, seq, hidden := out.Shape[0], out.Shape[1], out.Shape[2]
	switch {
	case batch != int64(inputs.BatchSize) || seq != int64(inputs.SeqLen):
		return nil, wrapErr(ErrInferenceFailed, fmt.Sprintf(
			"output shape %v does not match input [%d %d]", out.Shape, inputs.BatchSize, inputs.SeqLen), nil)
	case hidden != EmbeddingDimensions:
		return nil, wrapErr(ErrInferenceFailed, fmt.Sprintf(
			"hidden size %d, want %d", hidden, EmbeddingDimensions), nil)
	case int64(len(out.Data)) != batch*seq*hidden:
		return nil, wrapErr(ErrInferenceFailed, fmt.Sprintf(
			"output has %d values for shape %v", len(out.Data), out.Shape), nil)
	}

	return out, nil
}
