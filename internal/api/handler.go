// Package api exposes the operational HTTP surface: health, memory
// inspection, graph inspection, manual reflection triggers and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/graph"
	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/reflection"
)

// MemoryReader is the read-only store surface the API exposes.
type MemoryReader interface {
	Neighborhood(ctx context.Context, collection, query string, k int) ([]ltm.ScoredRecord, error)
	Count(ctx context.Context, collection string) (uint64, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store  MemoryReader
	graph  *graph.Manager
	engine *reflection.Engine
	runner *reflection.Runner
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(store MemoryReader, g *graph.Manager, engine *reflection.Engine, runner *reflection.Runner, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		graph:  g,
		engine: engine,
		runner: runner,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/memory/{collection}/search", h.searchMemory)
		r.Get("/memory/stats", h.memoryStats)

		r.Get("/graph/summary", h.graphSummary)
		r.Get("/graph/top", h.graphTop)

		r.Post("/reflection/trigger", h.triggerReflection)
		r.Get("/reflection/state", h.reflectionState)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if !validCollection(collection) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown collection"})
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q parameter"})
		return
	}
	k := intQuery(r, "k", 5)
	if k < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "k must be non-negative"})
		return
	}

	// Operator inspection must not distort access counts.
	results, err := h.store.Neighborhood(r.Context(), collection, query, k)
	if err != nil {
		h.logger.Error("memory search failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]uint64, len(ltm.Collections))
	for _, c := range ltm.Collections {
		n, err := h.store.Count(r.Context(), c)
		if err != nil {
			h.logger.Error("memory count failed", zap.String("collection", c), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		stats[c] = n
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) graphSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.graph.Stats())
}

func (h *Handler) graphTop(w http.ResponseWriter, r *http.Request) {
	n := intQuery(r, "n", 10)
	if n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be non-negative"})
		return
	}
	writeJSON(w, http.StatusOK, h.graph.TopConcepts(n))
}

func (h *Handler) triggerReflection(w http.ResponseWriter, r *http.Request) {
	h.runner.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "triggered",
		"state":  h.engine.State().String(),
	})
}

func (h *Handler) reflectionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": h.engine.State().String()})
}

func validCollection(name string) bool {
	for _, c := range ltm.Collections {
		if c == name {
			return true
		}
	}
	return false
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
