//go:build !onnx
// +build !onnx

package embeddings

import (
	"go.uber.org/zap"
)

type stubCompiler struct{}

// NewGraphCompiler returns a compiler that always fails. Build with the
// 'onnx' tag to link ONNX Runtime.
func NewGraphCompiler(_ ModelConfig, _ *zap.Logger) GraphCompiler {
	return stubCompiler{}
}

func (stubCompiler) Compile(src ModelSource) (Graph, error) {
	return nil, wrapErr(ErrModelLoadFailed, src.Path+": binary built without onnx support", nil)
}
