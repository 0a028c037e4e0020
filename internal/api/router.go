package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"grepr/internal/middleware"
)

// RouterConfig carries the transport-level settings for NewRouter.
type RouterConfig struct {
	Auth           middleware.AuthConfig
	RateLimit      middleware.RateLimitConfig
	AllowedOrigins []string
}

// NewRouter builds the chi router: request ids, panic recovery, CORS, and
// IP throttling on everything; authentication on /v1 only, so /ping stays
// public for load balancers.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(middleware.RateLimiter(cfg.RateLimit))

	r.Get("/ping", h.Ping)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))

		r.Post("/queries", h.SubmitQuery)
		r.Get("/queries/{id}", h.GetQuery)
		r.Get("/queries/{id}/results", h.GetQueryResults)
		r.Post("/queries/{id}/cancel", h.CancelQuery)
	})

	return r
}
