// Package httpapi is the ops-facing HTTP surface: health and call-state
// endpoints, plus the websocket upgrade route. Call creation and per-call UI
// pages are out of scope; calls are created by whatever wraps this module in
// a given deployment and handed to the Manager before Run starts serving.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"callroom/internal/callmgr"
	"callroom/internal/nodeauth"
	"callroom/internal/registry"
	"callroom/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	calls *callmgr.Manager
}

// New constructs an Echo app with the websocket route and ops endpoints
// wired to calls. fanout, reg, and nodeAuth back the same ws.Handler that
// Register binds, so every websocket connection this server accepts shares
// one fan-out/registry/node-auth instance with the manager's rooms.
func New(calls *callmgr.Manager, nodeAuth *nodeauth.Table, reg *registry.Registry, fanout *ws.Fanout, hostNode string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, calls: calls}
	s.registerRoutes(nodeAuth, reg, fanout, hostNode)
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			// Skip noisy endpoints at debug level.
			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(nodeAuth *nodeauth.Table, reg *registry.Registry, fanout *ws.Fanout, hostNode string) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/calls/:id", s.handleCallState)
	ws.NewHandler(s.calls, nodeAuth, reg, fanout, hostNode).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Calls  int    `json:"calls"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Calls:  s.calls.Count(),
	})
}

type callSummary struct {
	ID               string `json:"id"`
	CreatedAt        int64  `json:"created_at"`
	ParticipantCount int    `json:"participant_count"`
	DefaultRole      string `json:"default_role"`
}

type stateResponse struct {
	Calls []callSummary `json:"calls"`
}

func (s *Server) handleState(c echo.Context) error {
	infos := s.calls.List()
	summaries := make([]callSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, callSummary{
			ID:               info.ID,
			CreatedAt:        info.CreatedAt,
			ParticipantCount: info.ParticipantCount,
			DefaultRole:      string(info.DefaultRole),
		})
	}
	return c.JSON(http.StatusOK, stateResponse{Calls: summaries})
}

func (s *Server) handleCallState(c echo.Context) error {
	id := c.Param("id")
	info, err := s.calls.Info(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "call not found")
	}
	return c.JSON(http.StatusOK, callSummary{
		ID:               info.ID,
		CreatedAt:        info.CreatedAt,
		ParticipantCount: info.ParticipantCount,
		DefaultRole:      string(info.DefaultRole),
	})
}
