// Package server provides HTTP server setup and route registration for
// the gateway: the WebSocket GraphQL endpoints, the health route, and
// lifecycle management.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gateway/internal/metrics"
	"gateway/internal/ws"
)

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns production timeouts. The write timeout is zero:
// WebSocket connections outlive any sane response deadline.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:        addr,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

// Server wraps an Echo instance with lifecycle management.
type Server struct {
	Echo   *echo.Echo
	Config Config
	logger *zap.Logger
}

// New creates a server and mounts the transport routes.
func New(cfg Config, transport *ws.Server, m *metrics.Registry, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Server.IdleTimeout = cfg.IdleTimeout

	wsHandler := echo.WrapHandler(transport)
	e.GET("/v1alpha1/graphql", wsHandler)
	e.GET("/v1/graphql", wsHandler)
	e.GET("/v1beta1/relay", wsHandler)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"metrics": m.Snapshot(),
		})
	})

	return &Server{Echo: e, Config: cfg, logger: logger}
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.Config.Addr))
	err := s.Echo.Start(s.Config.Addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
