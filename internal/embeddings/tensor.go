package embeddings

import (
	"fmt"
)

// BuildInputTensors packs an encoded batch into three [batch, maxLen] int64
// buffers. Each row holds the sequence's real tokens at offset 0 followed by
// zeros.
func BuildInputTensors(batch *EncodedBatch) (*InputTensorSet, error) {
	if batch == nil || len(batch.Sequences) == 0 {
		return nil, wrapErr(ErrTensorConstructionFailed, "empty batch", nil)
	}

	seqLen := batch.MaxLength
	if seqLen <= 0 {
		return nil, wrapErr(ErrTensorConstructionFailed, fmt.Sprintf("invalid max length %d", seqLen), nil)
	}

	size := len(batch.Sequences) * seqLen
	set := &InputTensorSet{
		InputIDs:      make([]int64, size),
		AttentionMask: make([]int64, size),
		TokenTypeIDs:  make([]int64, size),
		BatchSize:     len(batch.Sequences),
		SeqLen:        seqLen,
	}

	for i, seq := range batch.Sequences {
		if len(seq.AttentionMask) != len(seq.IDs) || len(seq.TypeIDs) != len(seq.IDs) {
			return nil, wrapErr(ErrTensorConstructionFailed, fmt.Sprintf(
				"sequence %d has mismatched lengths ids=%d mask=%d types=%d",
				i, len(seq.IDs), len(seq.AttentionMask), len(seq.TypeIDs)), nil)
		}
		if seq.Length < 0 || seq.Length > len(seq.IDs) || seq.Length > seqLen {
			return nil, wrapErr(ErrTensorConstructionFailed, fmt.Sprintf(
				"sequence %d length %d out of range (tokens=%d, width=%d)", i, seq.Length, len(seq.IDs), seqLen), nil)
		}

		row := i * seqLen
		copy(set.InputIDs[row:row+seq.Length], seq.IDs[:seq.Length])
		copy(set.AttentionMask[row:row+seq.Length], seq.AttentionMask[:seq.Length])
		copy(set.TokenTypeIDs[row:row+seq.Length], seq.TypeIDs[:seq.Length])
	}

	return set, nil
}

// Shape returns the [batch, seqLen] input shape
func (s *InputTensorSet) Shape() []int64 {
	return []int64{int64(s.BatchSize), int64(s.SeqLen)}
}
