// Package server hosts the admin HTTP API.
package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/sticker/internal/auth"
	"github.com/memohai/sticker/internal/config"
)

var publicPaths = map[string]struct{}{
	"/ping":   {},
	"/health": {},
}

// Handler mounts a group of routes.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the router. A non-empty jwtSecret requires an admin
// bearer token on every route except the liveness checks.
func NewServer(log *slog.Logger, addr, jwtSecret string, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	log = log.With(slog.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	if jwtSecret != "" {
		e.Use(auth.JWTMiddleware(jwtSecret, skipAuth), auth.RequireAdmin(skipAuth))
	}
	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{echo: e, addr: addr}
}

func skipAuth(c echo.Context) bool {
	return shouldSkipJWT(c.Request().URL.Path)
}

func shouldSkipJWT(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Addr() string { return s.addr }

func (s *Server) Start() error                   { return s.echo.Start(s.addr) }
func (s *Server) Stop(ctx context.Context) error { return s.echo.Shutdown(ctx) }
