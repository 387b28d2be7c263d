package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/config"
	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/etl"
	"github.com/memento-ai/memento-core/internal/logger"
	"github.com/memento-ai/memento-core/internal/vector"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON lines)")
		batchSize  = flag.Int("batch-size", 0, "Texts embedded per batch (0 = config value)")
		collection = flag.String("collection", "", "Collection for records that do not name one")
		skipIndex  = flag.Bool("skip-index", false, "Skip creating vector index")
		noValidate = flag.Bool("no-validate", false, "Skip record validation")
		dryRun     = flag.Bool("dry-run", false, "Embed records without writing to the database")
		showStats  = flag.Bool("stats", false, "Show database statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input notes.csv --batch-size 128\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input memories.parquet --collection journal\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting memento ETL pipeline",
		zap.String("config", config.ConfigFileUsed()),
		zap.String("input", *inputFile))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcs, err := initializeServices(ctx, cfg, log, *dryRun && !*showStats)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svcs.cleanup()

	if *showStats {
		if err := showDatabaseStats(ctx, svcs); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
		return
	}

	etlConfig := etl.DefaultConfig()
	if cfg.ETL.BatchSize > 0 {
		etlConfig.BatchSize = cfg.ETL.BatchSize
	}
	if *batchSize > 0 {
		etlConfig.BatchSize = *batchSize
	}
	if cfg.ETL.ProgressReport > 0 {
		etlConfig.ProgressReport = cfg.ETL.ProgressReport
	}
	etlConfig.ValidateData = cfg.ETL.ValidateData && !*noValidate
	etlConfig.CreateIndex = cfg.ETL.CreateIndex && !*skipIndex
	etlConfig.DryRun = *dryRun
	if *collection != "" {
		etlConfig.DefaultCollection = *collection
	} else if cfg.Store.Collection != "" {
		etlConfig.DefaultCollection = cfg.Store.Collection
	}

	if err := processDataset(ctx, svcs, etlConfig, *inputFile, log); err != nil {
		log.Fatal("ETL processing failed", zap.Error(err))
	}

	log.Info("ETL pipeline completed successfully")
}

type services struct {
	store    *vector.Store
	embedder embeddings.Service
}

func (s *services) cleanup() {
	if s.embedder != nil {
		s.embedder.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// initializeServices connects the vector store unless skipStore is set and
// creates an uncached embedding service.
func initializeServices(ctx context.Context, cfg *config.Config, log *logger.Logger, skipStore bool) (*services, error) {
	svcs := &services{}

	if !skipStore {
		log.Info("Initializing vector store...")
		store, err := vector.NewStore(ctx, vector.Config{
			DatabaseURL:     cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxConnections,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, log.WithComponent("vector").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		svcs.store = store
	}

	log.Info("Initializing embedding service...")
	embedder, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).CreateService(embeddings.ServiceConfig{
		Model: embeddings.ModelConfig{
			Backend:           embeddings.BackendType(cfg.Embedding.Backend),
			ModelName:         cfg.Embedding.ModelName,
			ModelPath:         cfg.Embedding.ModelPath,
			SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
			IntraOpThreads:    cfg.Embedding.IntraOpThreads,
		},
	})
	if err != nil {
		svcs.cleanup()
		return nil, fmt.Errorf("failed to initialize embedding service: %w", err)
	}
	svcs.embedder = embedder

	return svcs, nil
}

// processDataset embeds the input file and writes it to the store
func processDataset(ctx context.Context, svcs *services, etlConfig etl.Config, inputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	var writer etl.VectorWriter
	if svcs.store != nil {
		writer = svcs.store
	}

	pipeline, err := etl.NewPipeline(svcs.embedder, writer, etlConfig, log.WithComponent("etl").Logger)
	if err != nil {
		return err
	}

	result, err := pipeline.ProcessFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	var rate float64
	if secs := result.Duration.Seconds(); secs > 0 {
		rate = float64(result.ProcessedOK) / secs
	}
	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("invalid_records", result.InvalidRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

func showDatabaseStats(ctx context.Context, svcs *services) error {
	stats, err := svcs.store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database stats: %w", err)
	}

	fmt.Printf("\n=== Memento Vector Store ===\n")
	fmt.Printf("Total Vectors:      %d\n", stats.TotalVectors)

	names := make([]string, 0, len(stats.Collections))
	for name := range stats.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-18s %d\n", name+":", stats.Collections[name])
	}
	return nil
}
