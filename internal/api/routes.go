package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Server identity header
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "campaign-engine-v1.0")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// Provider event callbacks. Providers retry aggressively, so these
	// endpoints are idempotent and always return 200 for duplicates.
	r.Post("/webhooks/{provider}", h.HandleProviderWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Get("/", h.ListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)

				r.Post("/recipients", h.AddRecipients)
				r.Get("/recipients", h.ListRecipients)
				r.Get("/messages", h.ListMessages)

				// Lifecycle actions
				r.Post("/launch", h.LaunchCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/cancel", h.CancelCampaign)

				// Analytics
				r.Get("/metrics", h.GetMetrics)
				r.Get("/timeseries", h.GetTimeSeries)
			})
		})

		r.Get("/stats", h.GetDispatchStats)
	})

	return r
}
