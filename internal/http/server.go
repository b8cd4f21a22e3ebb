// Package http provides the HTTP API for swarmd.
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// Orchestrator is the supervisor surface the API depends on.
type Orchestrator interface {
	Decompose(ctx context.Context, goal, sessionID, workspaceContext string) (*lane.Manifest, error)
	Orchestrate(ctx context.Context, m *lane.Manifest, workspaceContext string) (*lane.Summary, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host              string
	Port              int
	ShutdownTimeout   time.Duration
	KeepAliveInterval time.Duration
	Version           string
}

// Server exposes run submission, lane inspection, and event streaming.
type Server struct {
	echo   *echo.Echo
	orch   Orchestrator
	store  *store.Store
	logger *zap.Logger
	config *Config

	// runCtx scopes background orchestrations; Shutdown cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewServer creates the HTTP server.
func NewServer(cfg *Config, orch Orchestrator, st *store.Store, logger *zap.Logger) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9290}
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	s := &Server{
		echo:      e,
		orch:      orch,
		store:     st,
		logger:    logger,
		config:    cfg,
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmitRun)
	v1.GET("/manifests/:id", s.handleGetManifest)
	v1.GET("/manifests/:id/lanes", s.handleGetManifestLanes)
	v1.GET("/manifests/:id/stats", s.handleGetManifestStats)
	v1.GET("/manifests/:id/events", s.handleEvents)
	v1.GET("/lanes/:id", s.handleGetLane)
	v1.GET("/lanes", s.handleListLanes)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, cancels in-flight orchestrations, and
// drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.cancelRun()
	return s.echo.Shutdown(ctx)
}
