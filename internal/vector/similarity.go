package vector

import (
	"fmt"
	"math"
	"sort"
)

// Match is an in-memory search hit
type Match struct {
	Index      int     `json:"index"`
	Similarity float32 `json:"similarity"`
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors have similarity 0.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// TopK ranks candidates against query and returns at most k matches at or
// above minSimilarity, best first. Ties keep candidate order.
func TopK(query []float32, candidates [][]float32, k int, minSimilarity float32) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(candidates))
	for i, candidate := range candidates {
		sim, err := CosineSimilarity(query, candidate)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if sim >= minSimilarity {
			matches = append(matches, Match{Index: i, Similarity: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
