package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/custodia-labs/sercha-rag/docs"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/metrics"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx)
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// StatsProvider exposes worker event counters
type StatsProvider interface {
	Snapshot() metrics.Snapshot
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	// Uploads
	uploadDir      string
	maxUploadBytes int64

	// Services
	ingestionService driving.IngestionService
	queryService     driving.QueryService
	stats            StatsProvider // optional

	// Infrastructure
	checks map[string]Pinger // readiness checks by name
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	Version        string
	UploadDir      string
	MaxUploadBytes int64
	CORSOrigins    []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8000,
		Version:        "dev",
		UploadDir:      "uploads",
		MaxUploadBytes: 32 << 20,
		CORSOrigins:    []string{"*"},
	}
}

// NewServer creates a new HTTP server
func NewServer(
	cfg Config,
	ingestionService driving.IngestionService,
	queryService driving.QueryService,
	stats StatsProvider, // can be nil
	checks map[string]Pinger,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultConfig().UploadDir
	}

	s := &Server{
		router:           http.NewServeMux(),
		version:          cfg.Version,
		logger:           logger,
		uploadDir:        cfg.UploadDir,
		maxUploadBytes:   cfg.MaxUploadBytes,
		ingestionService: ingestionService,
		queryService:     queryService,
		stats:            stats,
		checks:           checks,
	}

	s.setupRoutes()

	handler := NewRecoveryMiddleware(logger).Handler(
		NewLoggingMiddleware(logger).Handler(
			NewCORSMiddleware(cfg.CORSOrigins).Handler(s.router)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  5 * time.Minute, // large uploads
		WriteTimeout: 5 * time.Minute, // completions can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)

	// Ingestion endpoints
	s.router.HandleFunc("POST /upload", s.handleUpload)
	s.router.HandleFunc("POST /upload/pdf", s.handleUpload)
	s.router.HandleFunc("GET /jobs", s.handleListJobs)
	s.router.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.router.HandleFunc("GET /stats", s.handleStats)

	// Query endpoints, GET and POST are the same call
	s.router.HandleFunc("GET /chat", s.handleChatGet)
	s.router.HandleFunc("POST /chat", s.handleChatPost)

	// API documentation
	s.router.HandleFunc("GET /swagger/doc.json", s.handleSwaggerDoc)
}

// Handler returns the server's root handler, middleware included
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%w: listen on %s: %v", domain.ErrServiceUnavailable, s.httpServer.Addr, err)
	}
	return nil
}

// Stop stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
