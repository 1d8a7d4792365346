// Package core is the API chassis. It owns the chi router, the global
// middleware chain, the JSON response envelope, and request validation.
// Domain handlers register their routes through RouteRegistrars so this
// package never imports them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/config"
)

// RouteRegistrar mounts a handler group onto the v1 router. Populated by the
// application entry point to avoid import cycles between core and handlers.
type RouteRegistrar func(r chi.Router)

// Server holds the cross-cutting dependencies of the HTTP API.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are checked by GET /health.
	HealthProbes []HealthProbe
	// V1Routes are mounted under /v1 by MountRoutes.
	V1Routes []RouteRegistrar

	router *chi.Mux
}

// NewServer builds a Server. The caller mounts routes afterwards, which
// lets tests register only the handlers under test.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for ListenAndServe or the
// Lambda chi adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the /v1 handler groups,
// and the unauthenticated health endpoint. Middleware order matters: the
// recoverer is outermost, then request id so every log line can carry it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range s.V1Routes {
			register(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// Shutdown releases server resources. The HTTP listener itself is owned by
// the entry point; this closes everything the Server holds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
