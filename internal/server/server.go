package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/config"
	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/logger"
	"github.com/memento-ai/memento-core/internal/metrics"
	"github.com/memento-ai/memento-core/internal/vector"
	"github.com/memento-ai/memento-core/internal/websocket"
)

// VectorStore is the subset of the pgvector store the API serves
type VectorStore interface {
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	FindSimilar(ctx context.Context, embedding []float32, options *vector.SearchOptions) ([]*vector.SimilarityResult, error)
	GetStats(ctx context.Context) (*vector.Stats, error)
}

// Options wires the server's collaborators. Store and Hub are optional.
type Options struct {
	Config  *config.Config
	Service embeddings.Service
	Store   VectorStore
	Hub     *websocket.Hub
	Logger  *logger.Logger
}

// Server exposes the embedding service over HTTP
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	service  embeddings.Service
	store    VectorStore
	hub      *websocket.Hub
	limiter  *clientLimiter
	validate *validator.Validate
	router   *mux.Router
	server   *http.Server
	started  time.Time
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Service == nil || opts.Logger == nil {
		return nil, errors.New("server requires config, service and logger")
	}
	cfg := opts.Config

	s := &Server{
		config:   cfg,
		logger:   opts.Logger.WithComponent("server"),
		service:  opts.Service,
		store:    opts.Store,
		hub:      opts.Hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   mux.NewRouter(),
		started:  time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 10*time.Minute)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.hub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.recoverMiddleware)
	api.Use(s.requestLogMiddleware)
	api.Use(metrics.Middleware())
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/model", s.handleModelInfo).Methods(http.MethodGet)
	api.HandleFunc("/model/load", s.handleModelLoad).Methods(http.MethodPost)
	api.HandleFunc("/embed", s.handleEmbed).Methods(http.MethodPost)
	api.HandleFunc("/embed/batch", s.handleEmbedBatch).Methods(http.MethodPost)

	if s.store != nil {
		api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
		api.HandleFunc("/documents", s.handleDocuments).Methods(http.MethodPost)
		api.HandleFunc("/store/stats", s.handleStoreStats).Methods(http.MethodGet)
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.logger.Info("Starting memento server",
		zap.Int("port", s.config.Server.Port),
		zap.String("backend", s.config.Embedding.Backend),
		zap.Bool("store_enabled", s.store != nil),
		zap.Bool("rate_limit", s.limiter != nil))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping memento server")
	return s.server.Shutdown(ctx)
}
