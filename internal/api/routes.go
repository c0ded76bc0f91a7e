package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/sync"
)

type Handler struct {
	manager *sync.Manager
	cfg     config.ServerConfig
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/sync/extract", h.TriggerExtract)
		r.Post("/sync/transform", h.TriggerTransform)
		r.Post("/sync/runs/{syncID}/cancel", h.CancelRun)
		r.Get("/sync/runs/active", h.ActiveRuns)

		r.Get("/sync/extracts", h.ListExtractRuns)
		r.Get("/sync/extracts/{syncID}", h.GetExtractRun)
		r.Get("/sync/transforms", h.ListTransformRuns)
		r.Get("/sync/transforms/{syncID}", h.GetTransformRun)

		r.Get("/sync/pending", h.PendingCounts)
		r.Get("/sync/stats", h.Statistics)
		r.Get("/sync/events", h.Events)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
