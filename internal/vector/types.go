package vector

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Record is one stored text with its embedding
type Record struct {
	ID         int64           `db:"id" json:"id"`
	Collection string          `db:"collection" json:"collection"`
	Text       string          `db:"text" json:"text"`
	TextHash   string          `db:"text_hash" json:"text_hash"`
	Embedding  pgvector.Vector `db:"embedding" json:"-"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	Collection    string  `json:"collection,omitempty"`
}

// Stats represents per-collection row counts
type Stats struct {
	TotalVectors int64            `json:"total_vectors"`
	Collections  map[string]int64 `json:"collections"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

// DefaultSearchOptions returns the options used when none are given
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{Limit: 5, MinSimilarity: 0.5}
}
