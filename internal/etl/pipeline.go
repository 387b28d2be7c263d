package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/vector"
)

// Pipeline embeds dataset files and writes them to a vector store
type Pipeline struct {
	embedder embeddings.Service
	writer   VectorWriter
	config   Config
	logger   *zap.Logger
}

// recordSource yields records until io.EOF
type recordSource interface {
	Next() (*DataRecord, error)
	Close() error
}

// NewPipeline creates a new ETL pipeline. writer may be nil when config.DryRun is set.
func NewPipeline(embedder embeddings.Service, writer VectorWriter, config Config, logger *zap.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedding service is required")
	}
	if writer == nil && !config.DryRun {
		return nil, fmt.Errorf("vector writer is required unless dry run is set")
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = defaults.ProgressReport
	}
	if config.DefaultCollection == "" {
		config.DefaultCollection = defaults.DefaultCollection
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = defaults.MaxTextLength
	}
	return &Pipeline{
		embedder: embedder,
		writer:   writer,
		config:   config,
		logger:   logger,
	}, nil
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Bool("dry_run", p.config.DryRun))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	var source recordSource
	switch format {
	case FormatCSV:
		source, err = newCSVSource(file)
	case FormatJSON:
		source = newJSONSource(file)
	case FormatParquet:
		source = newParquetSource(file)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, err
	}
	defer source.Close()

	return p.process(ctx, source)
}

// ProcessReader processes CSV or JSON lines from r
func (p *Pipeline) ProcessReader(ctx context.Context, r io.Reader, format FileFormat) (*ProcessingResult, error) {
	switch format {
	case FormatCSV:
		source, err := newCSVSource(r)
		if err != nil {
			return nil, err
		}
		return p.process(ctx, source)
	case FormatJSON:
		return p.process(ctx, newJSONSource(r))
	default:
		return nil, fmt.Errorf("format %s requires a file", format)
	}
}

// process drains source in batches
func (p *Pipeline) process(ctx context.Context, source recordSource) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{}
	nextReport := int64(p.config.ProgressReport)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		batch, err := p.readBatch(source, result)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := p.processBatch(ctx, batch, result); err != nil {
			if ctx.Err() != nil {
				result.Duration = time.Since(start)
				return result, ctx.Err()
			}
			p.logger.Error("Batch processing failed", zap.Error(err), zap.Int("batch_size", len(batch)))
			result.ProcessedFailed += int64(len(batch))
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if result.TotalRecords >= nextReport {
			p.reportProgress(result, start)
			nextReport += int64(p.config.ProgressReport)
		}
	}

	result.Duration = time.Since(start)

	if p.config.CreateIndex && !p.config.DryRun && result.ProcessedOK > 0 {
		if err := p.writer.CreateIndex(ctx); err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		}
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("invalid_records", result.InvalidRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// readBatch collects up to BatchSize valid records. Malformed rows are
// counted as invalid and skipped.
func (p *Pipeline) readBatch(source recordSource, result *ProcessingResult) ([]*DataRecord, error) {
	batch := make([]*DataRecord, 0, p.config.BatchSize)
	for len(batch) < p.config.BatchSize {
		record, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *rowError
		if errors.As(err, &rowErr) {
			result.InvalidRecords++
			p.logger.Debug("Skipping malformed record", zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}

		result.TotalRecords++
		if reason := p.validateRecord(record); reason != "" {
			result.InvalidRecords++
			p.logger.Debug("Invalid record", zap.String("reason", reason))
			continue
		}
		batch = append(batch, record)
	}
	return batch, nil
}

// processBatch embeds one batch and writes it
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, result *ProcessingResult) error {
	texts := make([]string, len(batch))
	for i, record := range batch {
		texts[i] = record.Text
	}

	embeddingStart := time.Now()
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("batch embedding failed: %w", err)
	}
	result.EmbeddingTime += time.Since(embeddingStart)

	if len(vectors) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(batch))
	}

	if p.config.DryRun {
		result.ProcessedOK += int64(len(batch))
		return nil
	}

	records := make([]*vector.Record, len(batch))
	for i, record := range batch {
		records[i] = &vector.Record{
			Collection: record.Collection,
			Text:       record.Text,
			TextHash:   vector.TextHash(record.Text),
			Embedding:  pgvector.NewVector(vectors[i]),
		}
	}

	dbStart := time.Now()
	inserted, err := p.writer.BatchInsert(ctx, records)
	if err != nil {
		return fmt.Errorf("database batch insert failed: %w", err)
	}
	result.DatabaseTime += time.Since(dbStart)

	result.ProcessedOK += int64(len(batch))
	result.Duplicates += inserted.Duplicates

	p.logger.Debug("Batch processed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted.Inserted),
		zap.Int64("duplicates", inserted.Duplicates))

	return nil
}

// validateRecord normalizes record and returns a reason when it must be skipped
func (p *Pipeline) validateRecord(record *DataRecord) string {
	record.Text = strings.TrimSpace(record.Text)
	record.Collection = strings.TrimSpace(record.Collection)
	if record.Collection == "" {
		record.Collection = p.config.DefaultCollection
	}

	if !p.config.ValidateData {
		return ""
	}
	if record.Text == "" {
		return "empty text"
	}
	if len(record.Text) > p.config.MaxTextLength {
		return fmt.Sprintf("text too long: %d bytes", len(record.Text))
	}
	return ""
}

func (p *Pipeline) reportProgress(result *ProcessingResult, start time.Time) {
	elapsed := time.Since(start)
	p.logger.Info("Processing progress",
		zap.Int64("records_read", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

// rowError marks a single unreadable row; reading continues after it
type rowError struct {
	row int64
	err error
}

func (e *rowError) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }
func (e *rowError) Unwrap() error { return e.err }

type csvSource struct {
	reader        *csv.Reader
	textCol       int
	collectionCol int
	row           int64
}

func newCSVSource(r io.Reader) (*csvSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	source := &csvSource{reader: reader, textCol: -1, collectionCol: -1, row: 1}
	for i, column := range header {
		switch strings.ToLower(strings.TrimSpace(column)) {
		case "text":
			source.textCol = i
		case "collection":
			source.collectionCol = i
		}
	}
	if source.textCol < 0 {
		return nil, fmt.Errorf("CSV header must contain a text column, got %v", header)
	}
	return source, nil
}

func (s *csvSource) Next() (*DataRecord, error) {
	fields, err := s.reader.Read()
	s.row++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, &rowError{row: s.row, err: err}
		}
		return nil, err
	}
	if s.textCol >= len(fields) {
		return nil, &rowError{row: s.row, err: fmt.Errorf("missing text column")}
	}

	record := &DataRecord{Text: fields[s.textCol]}
	if s.collectionCol >= 0 && s.collectionCol < len(fields) {
		record.Collection = fields[s.collectionCol]
	}
	return record, nil
}

func (s *csvSource) Close() error { return nil }

type jsonSource struct {
	decoder *json.Decoder
	row     int64
}

func newJSONSource(r io.Reader) *jsonSource {
	return &jsonSource{decoder: json.NewDecoder(r)}
}

func (s *jsonSource) Next() (*DataRecord, error) {
	s.row++
	var record DataRecord
	if err := s.decoder.Decode(&record); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &rowError{row: s.row, err: err}
		}
		return nil, err
	}
	return &record, nil
}

func (s *jsonSource) Close() error { return nil }

type parquetSource struct {
	reader *parquet.Reader
}

func newParquetSource(file *os.File) *parquetSource {
	return &parquetSource{reader: parquet.NewReader(file)}
}

func (s *parquetSource) Next() (*DataRecord, error) {
	var record DataRecord
	if err := s.reader.Read(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *parquetSource) Close() error { return s.reader.Close() }
