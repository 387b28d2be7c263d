package vector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// Dimensions is the embedding column width
const Dimensions = 384

// minIndexRows is the row count below which an ivfflat index is not worth building
const minIndexRows = 1000

// Store persists embeddings in PostgreSQL with pgvector
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore connects to the database and checks for the pgvector extension
func NewStore(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := NewStoreFromDB(db, logger)
	if err := store.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Vector store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// EnsureSchema creates the pgvector extension, table and lookup index
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (collection, text_hash)
		)`, Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_collection ON embeddings (collection)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Insert adds one record, filling ID and CreatedAt. A duplicate text in the
// same collection leaves the existing row untouched and reports ID 0.
func (s *Store) Insert(ctx context.Context, record *Record) error {
	if err := prepareRecord(record); err != nil {
		return err
	}

	query := `
		INSERT INTO embeddings (collection, text, text_hash, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, text_hash) DO NOTHING
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		record.Collection,
		record.Text,
		record.TextHash,
		record.Embedding,
	).Scan(&record.ID, &record.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("Duplicate record skipped",
			zap.String("collection", record.Collection),
			zap.String("text_hash", record.TextHash))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// BatchInsert adds records in one statement, skipping duplicates
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	if len(records) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*4)

	for i, record := range records {
		if err := prepareRecord(record); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4))
		valueArgs = append(valueArgs,
			record.Collection,
			record.Text,
			record.TextHash,
			record.Embedding,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO embeddings (collection, text, text_hash, embedding)
		VALUES %s
		ON CONFLICT (collection, text_hash) DO NOTHING`,
		strings.Join(valueStrings, ","))

	res, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("records", len(records)))
		return nil, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	result := &BatchInsertResult{
		Inserted:   inserted,
		Duplicates: int64(len(records)) - inserted,
		Duration:   time.Since(start),
	}

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// FindSimilar returns the records nearest to embedding by cosine distance
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if len(embedding) != Dimensions {
		return nil, fmt.Errorf("query embedding has %d dimensions, expected %d", len(embedding), Dimensions)
	}
	if options == nil {
		options = DefaultSearchOptions()
	}
	query, args := buildSimilarityQuery(pgvector.NewVector(embedding), options)

	start := time.Now()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var record Record
		var result SimilarityResult
		if err := rows.Scan(
			&record.ID,
			&record.Collection,
			&record.Text,
			&record.TextHash,
			&record.Embedding,
			&record.CreatedAt,
			&result.Similarity,
			&result.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}
		result.Record = &record
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))

	return results, nil
}

// buildSimilarityQuery renders the search SQL and its positional args
func buildSimilarityQuery(embedding pgvector.Vector, options *SearchOptions) (string, []interface{}) {
	whereClause := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []interface{}{embedding, options.MinSimilarity}
	argIndex := 3

	if options.Collection != "" {
		whereClause += fmt.Sprintf(" AND collection = $%d", argIndex)
		args = append(args, options.Collection)
		argIndex++
	}

	limit := options.Limit
	if limit <= 0 {
		limit = DefaultSearchOptions().Limit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			id, collection, text, text_hash, embedding, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM embeddings
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, whereClause, argIndex)

	return query, args
}

// GetStats returns row counts per collection
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Collection string `db:"collection"`
		Count      int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT collection, COUNT(*) AS count FROM embeddings GROUP BY collection`); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}

	stats := &Stats{Collections: make(map[string]int64, len(rows))}
	for _, row := range rows {
		stats.Collections[row.Collection] = row.Count
		stats.TotalVectors += row.Count
	}
	return stats, nil
}

// CreateIndex builds the ivfflat cosine index once the table is large enough
func (s *Store) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM embeddings"); err != nil {
		return fmt.Errorf("failed to count vectors: %w", err)
	}

	if count < minIndexRows {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("Creating vector similarity index", zap.Int64("vector_count", count))

	query := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_embeddings_embedding
		ON embeddings USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, indexLists(count))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created")
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// TextHash is the dedupe key for a stored text
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func prepareRecord(record *Record) error {
	if n := len(record.Embedding.Slice()); n != Dimensions {
		return fmt.Errorf("embedding has %d dimensions, expected %d", n, Dimensions)
	}
	if record.Collection == "" {
		record.Collection = "default"
	}
	if record.TextHash == "" {
		record.TextHash = TextHash(record.Text)
	}
	return nil
}

// indexLists follows the pgvector guidance of rows/1000 lists, at least 10
func indexLists(rows int64) int64 {
	lists := rows / 1000
	if lists < 10 {
		return 10
	}
	return lists
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
