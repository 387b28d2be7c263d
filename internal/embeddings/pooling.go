package embeddings

import (
	"math"
)

const poolingEpsilon = 1e-9

// MeanPool averages the hidden states of item b over its unmasked positions.
func MeanPool(hidden *OutputTensor, mask []int64, b int) EmbeddingVector {
	seq := int(hidden.Shape[1])
	dims := int(hidden.Shape[2])

	sum := make([]float64, dims)
	var count float64
	for s := 0; s < seq; s++ {
		m := float64(mask[b*seq+s])
		if m == 0 {
			continue
		}
		offset := (b*seq + s) * dims
		for d := 0; d < dims; d++ {
			sum[d] += m * float64(hidden.Data[offset+d])
		}
		count += m
	}

	denom := math.Max(count, poolingEpsilon)
	pooled := make(EmbeddingVector, dims)
	for d := range sum {
		pooled[d] = float32(sum[d] / denom)
	}
	return pooled
}

// NormalizeL2 scales v in place to unit length. Vectors with norm at or
// below epsilon are left unchanged.
func NormalizeL2(v []float32) {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sq)
	if norm <= poolingEpsilon {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// PoolAndNormalize produces one normalized embedding per batch item.
func PoolAndNormalize(hidden *OutputTensor, inputs *InputTensorSet) []EmbeddingVector {
	out := make([]EmbeddingVector, inputs.BatchSize)
	for b := range out {
		vec := MeanPool(hidden, inputs.AttentionMask, b)
		NormalizeL2(vec)
		out[b] = vec
	}
	return out
}
