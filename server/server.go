// Package server assembles the HTTP surface: REST API, WebSocket event
// streams and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wzp-123777/Mul-in-ONE/ai/rag"
	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	apiv1 "github.com/wzp-123777/Mul-in-ONE/server/router/api/v1"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
)

// Server owns the echo instance and the services behind it.
type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile

	store    *store.Store
	sessions *session.Service
}

// NewServer wires the HTTP server.
func NewServer(
	ctx context.Context,
	p *profile.Profile,
	st *store.Store,
	sessions *session.Service,
	retriever *rag.Service,
	cipher *crypto.Cipher,
	invalidator apiv1.CredentialInvalidator,
) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())

	s := &Server{
		echoServer: e,
		profile:    p,
		store:      st,
		sessions:   sessions,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": p.Version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := apiv1.NewAPIV1Service(p, st, sessions, retriever, cipher, invalidator)
	api.Register(e)

	return s, nil
}

// Start runs the listener; it blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server listening", "addr", addr, "mode", s.profile.Mode)
	return s.echoServer.Start(addr)
}

// Shutdown drains connections and stops every session worker.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	s.sessions.Shutdown()
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shut down")
}

// requestLogger logs one line per request with latency and status.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	})
}
