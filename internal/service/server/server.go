package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr      string
	AdminUsername string
	AdminPassword string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// CacheInspector exposes media cache usage
type CacheInspector interface {
	Statistics() domain.CacheStats
	Limits() (int64, map[domain.MediaType]int64)
}

// DownloadInspector exposes offline downloads
type DownloadInspector interface {
	List() []*domain.DownloadRecord
	Record(id string) (*domain.DownloadRecord, error)
	Progress(id string) (float64, error)
	Stats() domain.QueueStats
	DeleteContent(id string) error
}

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping() error
}

// Server represents the admin HTTP server
type Server struct {
	config          *Config
	logger          *zap.Logger
	checks          []Pinger
	server          *http.Server
	cacheHandler    *CacheHandler
	downloadHandler *DownloadHandler
}

// New creates a new HTTP server. A nil gatherer serves the default registry.
func New(cfg *Config, cache CacheInspector, downloads DownloadInspector, gatherer prometheus.Gatherer, logger *zap.Logger, checks ...Pinger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: cfg,
		logger: logger,
		checks: checks,
	}

	s.cacheHandler = NewCacheHandler(cache, logger)
	s.downloadHandler = NewDownloadHandler(downloads, logger)

	router := chi.NewRouter()
	router.Use(LoggingMiddleware(logger))

	// Health check
	router.Get("/health", s.handleHealth)

	router.Get("/cache/stats", s.cacheHandler.HandleStats)

	router.Route("/offline/downloads", func(r chi.Router) {
		r.Get("/", s.downloadHandler.HandleList)
		r.Get("/{id}", s.downloadHandler.HandleGet)
		r.With(BasicAuthMiddleware(cfg.AdminUsername, cfg.AdminPassword, logger)).
			Delete("/{id}", s.downloadHandler.HandleDelete)
	})

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.checks {
		if err := check.Ping(); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			http.Error(w, "Metadata store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().Format(time.RFC3339) + `"}`))
}
