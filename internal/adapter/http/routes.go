package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sitesquad/sitesquad/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, streamer *ws.Streamer) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Get("/agents", h.ListAgents)

		// Test runs
		r.Post("/tests", h.StartTest)
		r.Get("/tests", h.ListTests)
		r.Get("/tests/{id}", h.GetTest)
		r.Post("/tests/{id}/cancel", h.CancelTest)
		r.Get("/tests/{id}/bugs", h.ListTestBugs)

		// Quota
		r.Get("/usage/{userID}", h.GetUsage)
	})

	// Live event stream (WebSocket)
	r.Get("/ws/tests/{id}", streamer.Handle)
}
