// Package api exposes the activation service over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/middleware"
)

// NewRouter builds the HTTP handler for the activation API. db may be nil
// when the service runs on the in-memory store.
func NewRouter(svc *activation.Service, db Pinger, version string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/health", NewHealthHandler(db, version))

	h := NewActivationsHandler(svc)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/activations", h.Create)
		r.Route("/activations/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/start", h.Start)
			r.Get("/steps", h.Steps)
			r.Get("/logs", h.Logs)
			r.Get("/prerequisites", h.Prerequisites)
		})
		r.Get("/customers/{customerID}/activations", h.ListForCustomer)
	})

	return r
}
