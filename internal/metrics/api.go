package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/creditgate/internal/pricing"
	"github.com/allaspectsdev/creditgate/internal/reqlog"
	"github.com/allaspectsdev/creditgate/internal/reserve"
	"github.com/allaspectsdev/creditgate/internal/semcache"
	"github.com/allaspectsdev/creditgate/internal/store"
)

// AdminServer serves the JSON observability and administration API: live
// stats, request history, runtime pricing updates, and cache invalidation.
// Every read path takes only snapshot reads of the underlying components.
type AdminServer struct {
	router       chi.Router
	collector    *Collector
	cache        *semcache.Engine
	logger       *reqlog.Logger
	prices       *pricing.Engine
	reservations *reserve.Store
	store        *store.Store
	addr         string
	server       *http.Server
}

// NewAdminServer wires the admin API to the given components and listen
// address.
func NewAdminServer(collector *Collector, cache *semcache.Engine, logger *reqlog.Logger,
	prices *pricing.Engine, reservations *reserve.Store, st *store.Store, addr string) *AdminServer {

	a := &AdminServer{
		collector:    collector,
		cache:        cache,
		logger:       logger,
		prices:       prices,
		reservations: reservations,
		store:        st,
		addr:         addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", a.handleHealth)
	r.Get("/api/stats", a.handleStats)
	r.Get("/api/requests", a.handleListRequests)
	r.Get("/api/requests/{id}", a.handleGetRequest)
	r.Get("/api/usage/namespaces", a.handleNamespaceUsage)
	r.Get("/api/pricing", a.handleGetPricing)
	r.Post("/api/pricing", a.handleUpdatePricing)
	r.Post("/api/cache/flush", a.handleCacheFlush)

	a.router = r
	return a
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (a *AdminServer) Start() error {
	a.server = &http.Server{
		Addr:         a.addr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", a.addr).Msg("admin server starting")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// handleHealth returns a simple health check response.
func (a *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns the combined live statistics of every subsystem.
func (a *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":             a.collector.Stats(),
		"cache":                a.cache.Stats(),
		"logger":               a.logger.Stats(),
		"reservations_pending": a.reservations.Pending(),
	})
}

// handleListRequests returns a paginated list of persisted request logs.
func (a *AdminServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := (page - 1) * limit

	requests, err := a.store.ListRequests(limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("failed to list requests")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	type requestEntry struct {
		ID          string  `json:"id"`
		Timestamp   string  `json:"timestamp"`
		Namespace   string  `json:"namespace"`
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		TokensIn    int64   `json:"tokens_in"`
		TokensOut   int64   `json:"tokens_out"`
		TokensSaved int64   `json:"tokens_saved"`
		CostUSD     float64 `json:"cost_usd"`
		SavingsUSD  float64 `json:"savings_usd"`
		LatencyMs   int64   `json:"latency_ms"`
		StatusCode  int     `json:"status_code"`
		CacheHit    bool    `json:"cache_hit"`
		Status      string  `json:"status"`
	}

	entries := make([]requestEntry, 0, len(requests))
	for _, req := range requests {
		entries = append(entries, requestEntry{
			ID:          req.ID,
			Timestamp:   req.Timestamp,
			Namespace:   req.Namespace,
			Provider:    req.Provider,
			Model:       req.Model,
			TokensIn:    req.TokensIn,
			TokensOut:   req.TokensOut,
			TokensSaved: req.TokensSaved,
			CostUSD:     req.CostUSD,
			SavingsUSD:  req.SavingsUSD,
			LatencyMs:   req.LatencyMs,
			StatusCode:  req.StatusCode,
			CacheHit:    req.CacheHit,
			Status:      req.Status,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":     page,
		"limit":    limit,
		"requests": entries,
	})
}

// handleGetRequest returns a single persisted request by ID.
func (a *AdminServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing request id"})
		return
	}

	req, err := a.store.GetRequest(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
			return
		}
		log.Error().Err(err).Str("id", id).Msg("failed to get request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	writeJSON(w, http.StatusOK, req)
}

// handleNamespaceUsage returns per-namespace aggregate usage.
func (a *AdminServer) handleNamespaceUsage(w http.ResponseWriter, _ *http.Request) {
	usages, err := a.store.ListNamespaceUsage()
	if err != nil {
		log.Error().Err(err).Msg("failed to query namespace usage")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if usages == nil {
		usages = []store.NamespaceUsage{}
	}
	writeJSON(w, http.StatusOK, usages)
}

// handleGetPricing returns the full configured pricing table.
func (a *AdminServer) handleGetPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.prices.Snapshot())
}

// handleUpdatePricing updates the price for one (provider, model) pair at
// runtime.
func (a *AdminServer) handleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	defer r.Body.Close()

	var p pricing.Price
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if p.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}

	a.prices.Update(p)
	log.Info().
		Str("provider", p.Provider).
		Str("model", p.Model).
		Float64("input_per_million", p.InputPerMillion).
		Float64("output_per_million", p.OutputPerMillion).
		Bool("free", p.Free).
		Msg("pricing updated via API")

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleCacheFlush flushes one namespace (?namespace=) or the entire cache.
func (a *AdminServer) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")

	var removed int
	if namespace == "" {
		removed = a.cache.FlushAll()
	} else {
		removed = a.cache.FlushNamespace(namespace)
	}

	log.Info().Str("namespace", namespace).Int("removed", removed).Msg("cache flushed via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "flushed",
		"removed": removed,
	})
}

// --- helpers ---

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
