package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/creditgate/internal/reserve"
)

// maxRequestBody bounds governance API request bodies (cached responses can
// be large, so this is generous).
const maxRequestBody = 10 << 20

// Server exposes the governor over HTTP so the gateway's request pipeline
// can call Begin/Complete/Fail around each provider call. In-flight
// decisions are held in memory keyed by request ID.
type Server struct {
	gov    *Governor
	router chi.Router
	addr   string
	server *http.Server

	inflight sync.Map // request ID -> *Decision
}

// NewServer wires the governance API to the given governor and listen
// address.
func NewServer(gov *Governor, addr string) *Server {
	s := &Server{gov: gov, addr: addr}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/v1/requests/begin", s.handleBegin)
	r.Post("/v1/requests/{id}/complete", s.handleComplete)
	r.Post("/v1/requests/{id}/fail", s.handleFail)

	s.router = r
	return s
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("governance server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("governance server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the governance server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// beginResponse is the wire shape of a Decision.
type beginResponse struct {
	RequestID      string          `json:"request_id"`
	ReservationID  string          `json:"reservation_id"`
	InputTokens    int             `json:"input_tokens"`
	EstimatedCost  float64         `json:"estimated_cost"`
	CacheHit       bool            `json:"cache_hit"`
	CachedResponse json.RawMessage `json:"cached_response,omitempty"`
	Similarity     float64         `json:"similarity,omitempty"`
	Source         string          `json:"source,omitempty"`
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Namespace == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "namespace and model are required")
		return
	}

	d := s.gov.Begin(r.Context(), req)

	resp := beginResponse{
		RequestID:     d.RequestID,
		ReservationID: d.ReservationID,
		InputTokens:   d.InputTokens,
		EstimatedCost: d.EstimatedCost,
		CacheHit:      d.CacheHit,
		Similarity:    d.Similarity,
		Source:        string(d.Source),
	}
	if d.CacheHit {
		resp.CachedResponse = json.RawMessage(d.CachedResponse)
	} else {
		// The caller must come back with complete or fail.
		s.inflight.Store(d.RequestID, d)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	// Decode before consuming the in-flight decision: a malformed body must
	// leave the request retriable, not strand its reservation.
	var out Outcome
	if !decodeBody(w, r, &out) {
		return
	}

	d, ok := s.takeDecision(w, r)
	if !ok {
		return
	}

	if err := s.gov.Complete(r.Context(), d, out); err != nil {
		writeReservationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StatusCode int    `json:"status_code"`
		Error      string `json:"error"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	d, ok := s.takeDecision(w, r)
	if !ok {
		return
	}

	var provErr error
	if body.Error != "" {
		provErr = errors.New(body.Error)
	}

	if err := s.gov.Fail(d, body.StatusCode, provErr); err != nil {
		writeReservationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// takeDecision removes and returns the in-flight decision for the request
// ID in the URL, writing a 404 if it is unknown. Removal makes complete and
// fail mutually exclusive at this layer; the reservation store enforces the
// same below it.
func (s *Server) takeDecision(w http.ResponseWriter, r *http.Request) (*Decision, bool) {
	id := chi.URLParam(r, "id")
	v, ok := s.inflight.LoadAndDelete(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request id")
		return nil, false
	}
	return v.(*Decision), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	defer r.Body.Close()

	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reserve.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reserve.ErrAlreadySettled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("governance request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
