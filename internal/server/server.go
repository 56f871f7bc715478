package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/memoh-gateway/internal/auth"
)

// Handler registers its routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

var (
	jwtExactSkipPaths = map[string]struct{}{
		"/ping":                    {},
		"/health":                  {},
		"/health/channels":         {},
		"/health/checks":           {},
		"/channels":                {},
		"/auth/login":              {},
		"/api/messages":            {},
		"/channels/feishu/webhook": {},
	}
	jwtPrefixSkipPaths = []string{
		"/channels/feishu/webhook/",
	}
	// jwtProtectedPrefixes always require a token, even below a skipped prefix.
	jwtProtectedPrefixes = []string{
		"/admin/",
		"/auth/refresh",
	}
)

func NewServer(log *slog.Logger, addr string, jwtSecret string, handlers ...Handler) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

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
	if strings.TrimSpace(jwtSecret) != "" {
		e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
			return shouldSkipJWT(c.Request().URL.Path)
		}))
	} else {
		// Without a secret no token can be verified; RequireAdmin rejects every admin call.
		log.Warn("auth.jwt_secret is empty; admin api is unavailable")
	}

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: log.With(slog.String("component", "server")),
	}
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// shouldSkipJWT lists the public routes: health probes, channel metadata,
// admin login and the platform webhooks, which authenticate on their own.
func shouldSkipJWT(path string) bool {
	if hasAnyPrefix(path, jwtProtectedPrefixes) {
		return false
	}
	if _, ok := jwtExactSkipPaths[path]; ok {
		return true
	}
	if hasAnyPrefix(path, jwtPrefixSkipPaths) {
		return true
	}
	// Channel descriptors: /channels/<platform>
	if rest, ok := strings.CutPrefix(path, "/channels/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return true
	}
	return false
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
