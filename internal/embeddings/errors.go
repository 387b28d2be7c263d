package embeddings

import (
	"errors"
	"fmt"
)

// EmbeddingError is the error kind carried by every engine failure
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Error kinds
var (
	ErrNotInitialized           = &EmbeddingError{Type: "not_initialized", Message: "model not initialized", Code: 2001}
	ErrTokenizerLoadFailed      = &EmbeddingError{Type: "tokenizer_load_failed", Message: "tokenizer load failed", Code: 2002}
	ErrModelLoadFailed          = &EmbeddingError{Type: "model_load_failed", Message: "model load failed", Code: 2003}
	ErrTensorConstructionFailed = &EmbeddingError{Type: "tensor_construction_failed", Message: "tensor construction failed", Code: 2004}
	ErrInferenceFailed          = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 2005}
	ErrIOFailure                = &EmbeddingError{Type: "io_failure", Message: "io failure", Code: 2006}
	ErrInvalidInput             = &EmbeddingError{Type: "invalid_input", Message: "invalid input", Code: 2007}
)

// wrapErr tags cause with kind so both match errors.Is.
func wrapErr(kind *EmbeddingError, context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, context)
	}
	return fmt.Errorf("%w: %s: %w", kind, context, cause)
}

// KindOf returns the EmbeddingError kind of err, or nil if err carries none.
func KindOf(err error) *EmbeddingError {
	var kind *EmbeddingError
	if errors.As(err, &kind) {
		return kind
	}
	return nil
}
