package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Service is the part of the engine the API exposes.
type Service interface {
	BuildRoot(ctx context.Context, spec engine.RootSpec) (*engine.Root, error)
	Cancel(ctx context.Context, rootID string) (bool, error)
	Root(ctx context.Context, rootID string) (*engine.Root, error)
	Task(ctx context.Context, taskID string) (*engine.Task, error)
	Roots(ctx context.Context, filter engine.RootFilter) ([]*engine.Root, error)
	Transitions(ctx context.Context, taskID string) ([]engine.Transition, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	service Service
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	checks  map[string]HealthCheck
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "api").Logger() }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthCheck adds a named check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.APIConfig, service Service, opts ...Option) *Server {
	mode := cfg.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	s := &Server{
		service: service,
		logger:  zerolog.Nop(),
		checks:  make(map[string]HealthCheck),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))
	s.router = router
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/roots", s.handleBuildRoot)
		v1.GET("/roots", s.handleListRoots)
		v1.GET("/roots/:id", s.handleGetRoot)
		v1.GET("/roots/:id/graph", s.handleGetGraph)
		v1.POST("/roots/:id/cancel", s.handleCancelRoot)

		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/tasks/:id/transitions", s.handleGetTransitions)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info().Str("addr", l.Addr().String()).Msg("Starting HTTP server")

	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) checkNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requestLogger is a middleware for request logging
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		ev := logger.Info()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
