package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router for the queue collaborator API. Only
// POST /api/v1/queues is guarded by JWT; reads and the health check are
// open, matching the "informational only" framing of this surface.
func NewRouter(h *Handler, jwtPublicKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queues", h.ListQueues)
		r.Get("/pills", h.ListPills)

		r.Group(func(r chi.Router) {
			r.Use(JWTMiddleware(jwtPublicKey))
			r.Post("/queues", h.CreateQueue)
		})
	})

	return r
}
