package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memento-ai/memento-core/internal/cache"
	"github.com/memento-ai/memento-core/internal/config"
	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/logger"
	"github.com/memento-ai/memento-core/internal/server"
	"github.com/memento-ai/memento-core/internal/vector"
	"github.com/memento-ai/memento-core/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// Exit codes for -warmup
const (
	exitModelFailed = 1
	exitCacheFailed = 2
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check against a running server and exit")
		warmup      = flag.Bool("warmup", false, "Load the model, warm the embedding cache and exit")
		modelOnly   = flag.Bool("model-only", false, "With -warmup, only load the model")
		jsonOutput  = flag.Bool("json", false, "With -warmup, print the result as JSON")
		listQueries = flag.Bool("list-queries", false, "Print the default warmup queries and exit")
		custom      = flag.String("custom", "", "With -warmup, comma separated extra queries")
		noCommon    = flag.Bool("no-common", false, "With -warmup, skip the default queries")
		quiet       = flag.Bool("quiet", false, "With -warmup, suppress progress output")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("memento %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *listQueries {
		for _, q := range embeddings.DefaultWarmupQueries {
			fmt.Println(q)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		os.Exit(performHealthCheck(cfg.Server.Port))
	}

	if *warmup && (*quiet || *jsonOutput) {
		cfg.Logging.Level = "error"
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *warmup {
		opts := warmupOptions{
			modelOnly:      *modelOnly,
			jsonOutput:     *jsonOutput,
			quiet:          *quiet,
			includeDefault: !*noCommon && cfg.Embedding.Warmup.IncludeDefault,
			custom:         append(splitQueries(*custom), cfg.Embedding.Warmup.Queries...),
		}
		os.Exit(runWarmup(ctx, cfg, log, opts))
	}

	log.Info("Starting memento",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.String("config_file", config.ConfigFileUsed()))

	if err := run(ctx, cfg, log); err != nil {
		log.Error("memento stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

// run serves the API until ctx is cancelled or a component fails
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(hubConfig(cfg), log.Logger)
	}

	embeddingCache, err := newCache(cfg, log)
	if err != nil {
		return err
	}

	modelConfig := modelConfigFrom(cfg)
	svc, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).CreateService(embeddings.ServiceConfig{
		Model:   modelConfig,
		Cache:   embeddingCache,
		Metrics: true,
		OnState: server.ModelStateListener(hub, modelConfig),
	})
	if err != nil {
		if embeddingCache != nil {
			embeddingCache.Close()
		}
		return fmt.Errorf("failed to create embedding service: %w", err)
	}
	defer svc.Close()

	opts := server.Options{
		Config:  cfg,
		Service: svc,
		Hub:     hub,
		Logger:  log,
	}
	if cfg.Store.Enabled {
		store, err := vector.NewStore(ctx, storeConfig(cfg), log.WithComponent("vector").Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		defer store.Close()
		opts.Store = store
	}

	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if hub != nil {
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
	}

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if cfg.Embedding.LoadOnStart {
		g.Go(func() error {
			loadOnStart(ctx, cfg, svc, log)
			return nil
		})
	}

	watchConfig(ctx, cfg, svc, log)

	return g.Wait()
}

// loadOnStart loads the model in the background. Failures are logged; the
// next embed request retries the load.
func loadOnStart(ctx context.Context, cfg *config.Config, svc embeddings.Service, log *logger.Logger) {
	info, err := embeddings.WarmupModel(ctx, svc, cfg.Embedding.ModelPath)
	if err != nil {
		log.Error("Initial model load failed", zap.Error(err))
		return
	}
	log.Info("Model ready",
		zap.String("model", info.Name),
		zap.String("model_path", info.ModelPath),
		zap.Duration("load_duration", info.LoadDuration))

	if cfg.Embedding.Warmup.Enabled {
		queries := embeddings.WarmupQueries(cfg.Embedding.Warmup.Queries, cfg.Embedding.Warmup.IncludeDefault)
		stats, err := embeddings.WarmupCache(ctx, svc, queries)
		if err != nil {
			log.Warn("Cache warmup failed", zap.Error(err))
			return
		}
		log.Info("Cache warmed", zap.Int("queries", stats.Warmed), zap.Float64("time_ms", stats.TimeMS))
	}
}

// watchConfig reloads the model when embedding.model_path changes on disk
func watchConfig(ctx context.Context, cfg *config.Config, svc embeddings.Service, log *logger.Logger) {
	if config.ConfigFileUsed() == "" {
		return
	}

	var mu sync.Mutex
	current := cfg.Embedding.ModelPath

	err := config.Watch(func(next *config.Config) {
		mu.Lock()
		changed := next.Embedding.ModelPath != current
		current = next.Embedding.ModelPath
		mu.Unlock()
		if !changed {
			return
		}

		log.Info("Model path changed, reloading", zap.String("model_path", next.Embedding.ModelPath))
		go func() {
			if _, err := svc.Load(ctx, next.Embedding.ModelPath); err != nil {
				log.Error("Model reload failed, previous model kept", zap.Error(err))
			}
		}()
	}, func(err error) {
		log.Warn("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		log.Warn("Configuration watch disabled", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

func newCache(cfg *config.Config, log *logger.Logger) (cache.Cache, error) {
	c, err := cache.New(&cache.Config{
		Type:           cache.Type(cfg.Cache.Type),
		Capacity:       cfg.Cache.Capacity,
		RedisURL:       cfg.Cache.RedisURL,
		MaxConnections: cfg.Cache.MaxConnections,
		MinIdleConns:   cfg.Cache.MinIdleConns,
		DefaultTTL:     cfg.Cache.DefaultTTL,
		KeyPrefix:      cfg.Cache.KeyPrefix,
	}, log.WithComponent("cache").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	return c, nil
}

func modelConfigFrom(cfg *config.Config) embeddings.ModelConfig {
	return embeddings.ModelConfig{
		Backend:           embeddings.BackendType(cfg.Embedding.Backend),
		ModelName:         cfg.Embedding.ModelName,
		ModelPath:         cfg.Embedding.ModelPath,
		SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
		IntraOpThreads:    cfg.Embedding.IntraOpThreads,
	}
}

func storeConfig(cfg *config.Config) vector.Config {
	return vector.Config{
		DatabaseURL:     cfg.Store.DatabaseURL,
		MaxOpenConns:    cfg.Store.MaxConnections,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	}
}

func hubConfig(cfg *config.Config) websocket.HubConfig {
	ws := cfg.WebSocket
	return websocket.HubConfig{
		MaxConnections:       ws.MaxConnections,
		ReadBufferSize:       ws.ReadBufferSize,
		WriteBufferSize:      ws.WriteBufferSize,
		PingInterval:         ws.PingInterval,
		PongTimeout:          ws.PongTimeout,
		WriteTimeout:         ws.WriteTimeout,
		MaxMessageSize:       ws.MaxMessageSize,
		AllowedOrigins:       ws.AllowedOrigins,
		BroadcastRequests:    ws.Events.BroadcastRequests,
		BroadcastModel:       ws.Events.BroadcastModel,
		BroadcastConnections: ws.Events.BroadcastConnections,
	}
}

func splitQueries(raw string) []string {
	var out []string
	for _, q := range strings.Split(raw, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) int {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed")
	return 0
}
