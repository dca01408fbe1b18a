// Package http exposes the agentd control API: phase lifecycle, task
// control, human answers, workspace management, and the per-project
// SSE event stream.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/bus"
	"github.com/fyrsmithlabs/agentd/internal/gate"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Deps are the collaborators the API surfaces.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *task.Registry
	Gate         *gate.Gate
	Bus          *bus.Bus
	Workspaces   *workspace.Manager
	Log          *logging.Logger
}

// Server provides the agentd HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	config Config
	log    *logging.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("question gate is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9292
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := deps.Log.Named("http")

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		config: cfg,
		log:    log,
	}
	s.registerRoutes()

	return s, nil
}

// Echo exposes the underlying router so callers can attach extra
// handlers, such as a Prometheus endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/projects/:id/workspace", s.handleWorkspaceInit)
	v1.DELETE("/projects/:id/workspace", s.handleWorkspaceCleanup)

	v1.POST("/projects/:id/phases/:phase/start", s.handlePhaseStart)
	v1.GET("/projects/:id/phases", s.handlePhaseStatuses)
	v1.GET("/projects/:id/tasks", s.handleProjectTasks)
	v1.GET("/projects/:id/questions", s.handlePendingQuestions)
	v1.POST("/projects/:id/answers", s.handleAnswer)
	v1.GET("/projects/:id/events", s.handleEvents)

	v1.GET("/tasks/:id", s.handleTaskGet)
	v1.POST("/tasks/:id/pause", s.handleTaskPause)
	v1.POST("/tasks/:id/resume", s.handleTaskResume)
	v1.POST("/tasks/:id/cancel", s.handleTaskCancel)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info(ctx, "starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
