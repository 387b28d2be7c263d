package embeddings

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Tokenizer turns a batch of texts into encoded sequences padded to the
// batch's longest sequence.
type Tokenizer interface {
	EncodeBatch(texts []string) (*EncodedBatch, error)
}

// TokenizerLoader builds a Tokenizer from a tokenizer.json path
type TokenizerLoader func(path string, maxLength int) (Tokenizer, error)

// specialTokenCount is the [CLS] and [SEP] pair added to every sequence
const specialTokenCount = 2

// HFTokenizer wraps a HuggingFace tokenizer.json pipeline
type HFTokenizer struct {
	tk      *tokenizer.Tokenizer
	padding tokenizer.PaddingParams
}

// LoadTokenizer reads tokenizer.json and configures batch-longest padding and
// truncation of the single input sequence bounded by maxLength.
func LoadTokenizer(path string, maxLength int) (tok Tokenizer, err error) {
	if maxLength <= specialTokenCount {
		return nil, wrapErr(ErrTokenizerLoadFailed, path,
			fmt.Errorf("max sequence length %d leaves no room for text", maxLength))
	}

	defer func() {
		if r := recover(); r != nil {
			tok, err = nil, wrapErr(ErrTokenizerLoadFailed, path, fmt.Errorf("%v", r))
		}
	}()

	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, wrapErr(ErrTokenizerLoadFailed, path, err)
	}

	// Inputs are never pairs, so OnlyFirst truncates exactly like
	// LongestFirst without touching the absent pair encoding.
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: maxLength,
		Strategy:  tokenizer.OnlyFirst,
		Stride:    0,
	})
	// Padding runs once per batch in EncodeBatch.
	tk.WithPadding(nil)

	return &HFTokenizer{
		tk: tk,
		padding: tokenizer.PaddingParams{
			Strategy:  *tokenizer.NewPaddingStrategy(tokenizer.WithBatchLongest()),
			Direction: tokenizer.Right,
			PadId:     0,
			PadTypeId: 0,
			PadToken:  "[PAD]",
		},
	}, nil
}

// EncodeBatch encodes texts one by one on the calling goroutine with special
// tokens added, then pads them to the longest.
func (t *HFTokenizer) EncodeBatch(texts []string) (batch *EncodedBatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			batch, err = nil, wrapErr(ErrTensorConstructionFailed, "tokenize batch", fmt.Errorf("%v", r))
		}
	}()

	encodings := make([]tokenizer.Encoding, len(texts))
	for i, text := range texts {
		enc, err := t.tk.Encode(tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(text)), true)
		if err != nil {
			return nil, wrapErr(ErrTensorConstructionFailed, fmt.Sprintf("tokenize text %d", i), err)
		}
		encodings[i] = *enc
	}
	encodings = tokenizer.PadEncodings(encodings, t.padding)

	batch = &EncodedBatch{Sequences: make([]EncodedSequence, len(encodings))}
	for i, enc := range encodings {
		seq := EncodedSequence{
			IDs:           toInt64(enc.Ids),
			AttentionMask: toInt64(enc.AttentionMask),
			TypeIDs:       toInt64(enc.TypeIds),
		}
		for _, m := range enc.AttentionMask {
			if m != 0 {
				seq.Length++
			}
		}
		if seq.Length > batch.MaxLength {
			batch.MaxLength = seq.Length
		}
		batch.Sequences[i] = seq
	}

	return batch, nil
}

func toInt64(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
