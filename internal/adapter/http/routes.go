package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/run", h.RunTask)
			r.Get("/status", h.PoolStatus)
			r.Post("/register", h.RegisterAgent)

			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/status", h.GetTaskStatus)
				r.Get("/result", h.GetTaskResult)
				r.Get("/trace", h.GetTaskTrace)
				r.Post("/cancel", h.CancelTask)
			})
		})
	})
}
