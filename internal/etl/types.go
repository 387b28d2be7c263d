package etl

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/memento-ai/memento-core/internal/vector"
)

// DataRecord represents a single record from the input dataset
type DataRecord struct {
	Text       string `parquet:"text" json:"text"`
	Collection string `parquet:"collection,optional" json:"collection"`
}

// VectorWriter persists embedded records
type VectorWriter interface {
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) error
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	InvalidRecords  int64         `json:"invalid_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Duplicates      int64         `json:"duplicates"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize         int
	ProgressReport    int
	ValidateData      bool
	CreateIndex       bool
	DryRun            bool
	DefaultCollection string
	MaxTextLength     int
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:         64,
		ProgressReport:    1000,
		ValidateData:      true,
		CreateIndex:       true,
		DefaultCollection: "default",
		MaxTextLength:     10000,
	}
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
