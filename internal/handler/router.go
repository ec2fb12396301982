package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/felislab/felistrace/backend/internal/handler/health"
	"github.com/felislab/felistrace/backend/internal/handler/session"
	sessionService "github.com/felislab/felistrace/backend/internal/service/session"
)

// NewRouter wires HTTP routes to the ingestion service.
func NewRouter(svc *sessionService.Service, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	sessionHandler := session.New(svc, log)
	healthHandler := health.New(svc)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		healthHandler.RegisterRoutes(api)
	})

	return r
}
