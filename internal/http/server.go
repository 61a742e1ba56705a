// Package http serves the voxchaind operations surface: health, Prometheus
// metrics, the governor snapshot and synthesized audio files.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/logging"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
)

// Config holds ops server configuration.
type Config struct {
	Host string
	Port int
	// AudioDir is served under /audio/ when set.
	AudioDir string
	// ShutdownTimeout bounds graceful shutdown after the run context ends.
	ShutdownTimeout time.Duration
}

// Snapshotter reports governor unit settings.
type Snapshotter interface {
	Snapshot() []resilience.UnitSettings
}

// HealthCheck reports whether one component is usable.
type HealthCheck func(ctx context.Context) error

// Server provides the ops HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	config   *Config
	governor Snapshotter
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
}

// Option configures a Server.
type Option func(*Server)

// WithGovernor exposes gov at /debug/governor.
func WithGovernor(gov Snapshotter) Option {
	return func(s *Server) { s.governor = gov }
}

// WithGatherer serves g at /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a named component to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithHTTPMetrics records OpenTelemetry request metrics.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.echo.Use(m.MetricsMiddleware()) }
}

// NewServer creates a new ops server.
func NewServer(logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:     e,
		logger:   logger,
		config:   cfg,
		gatherer: prometheus.DefaultGatherer,
		checks:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

// requestLogger logs every request and carries its id into the handler
// context.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			if c.Response().Status >= http.StatusInternalServerError {
				logger.Warn("http request", fields...)
			} else {
				logger.Debug("http request", fields...)
			}
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.governor != nil {
		s.echo.GET("/debug/governor", s.handleGovernor)
	}
	if s.config.AudioDir != "" {
		s.echo.Static("/audio", s.config.AudioDir)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth runs every check. Any failure answers 503 with status
// "degraded".
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name](c.Request().Context()); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	return c.JSON(code, resp)
}

// GovernorResponse is the response body for GET /debug/governor.
type GovernorResponse struct {
	Units []resilience.UnitSettings `json:"units"`
}

func (s *Server) handleGovernor(c echo.Context) error {
	return c.JSON(http.StatusOK, GovernorResponse{Units: s.governor.Snapshot()})
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.Addr()))
		errCh <- s.echo.Start(s.Addr())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
