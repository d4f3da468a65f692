package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/triage/internal/api/handlers"
	"github.com/agentoven/triage/internal/api/middleware"
	"github.com/agentoven/triage/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Identity(cfg.Auth.DefaultRole))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", middleware.HeaderRole, middleware.HeaderUser},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	privileged := middleware.RequireRole(cfg.Feedback.PrivilegedRoles...)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
		})

		// Routing decision engine
		r.Post("/route", h.Route)
		r.Route("/routing", func(r chi.Router) {
			r.Get("/stats", h.RoutingStats)
			r.Get("/rules", h.ListRules)
			r.With(privileged).Put("/rules", h.ReplaceRules)
		})

		// Feedback learning loop
		r.Route("/feedback", func(r chi.Router) {
			r.Post("/", h.SubmitFeedback)
			r.Get("/stats", h.FeedbackStats)
		})
		r.Route("/learning", func(r chi.Router) {
			r.Use(privileged)
			r.Post("/run", h.RunLearningCycle)
			r.Post("/ingest", h.IngestLearned)
		})

		// Knowledge base
		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/search", h.SearchKnowledge)
			r.With(privileged).Post("/reload", h.ReloadKnowledge)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "triage-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "triage-control-plane",
		})
	}
}
