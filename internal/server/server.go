// Package server exposes the HTTP surface: the websocket endpoint, the
// internal event publish hook, health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NoooNlIoN/kanban-backend/internal/config"
	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	apperrors "github.com/NoooNlIoN/kanban-backend/internal/errors"
	"github.com/NoooNlIoN/kanban-backend/internal/realtime"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	sessions  *realtime.SessionHandler
	sequencer domain.Sequencer
}

func NewServer(cfg *config.Config, sessions *realtime.SessionHandler, sequencer domain.Sequencer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    cfg,
		sessions:  sessions,
		sequencer: sequencer,
	}
	srv.registerRoutes()

	return srv
}

func (s *Server) registerRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.POST("/internal/events", s.handlePublishEvent)
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
