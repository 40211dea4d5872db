package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/annotate"
	"github.com/wolfeidau/account-age/cache"
	"github.com/wolfeidau/account-age/resolve"
	"github.com/wolfeidau/account-age/telemetry"
)

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /age/{handle}", s.handleAge)
	mux.HandleFunc("GET /annotations", s.handleAnnotations)
	mux.HandleFunc("GET /annotations/{handle}", s.handleAnnotation)
}

type ageResponse struct {
	Handle     accountage.Handle `json:"handle"`
	AgeDays    int               `json:"age_days"`
	Known      bool              `json:"known"`
	Label      string            `json:"label"`
	Source     accountage.Source `json:"source"`
	ResolvedAt string            `json:"resolved_at"`
}

type statsResponse struct {
	Cache       cache.Stats         `json:"cache"`
	InFlight    int                 `json:"in_flight"`
	Pending     []accountage.Handle `json:"pending"`
	Annotations int                 `json:"annotations"`
	Resolutions uint64              `json:"resolutions"`
	Store       string              `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	e := s.engine
	resp := statsResponse{
		Cache:       e.Cache.Stats(),
		InFlight:    e.Coordinator.InFlight(),
		Pending:     e.Coordinator.Pending(),
		Annotations: e.Board.Len(),
		Resolutions: e.Board.Total(),
		Store:       "none",
	}
	if resp.Pending == nil {
		resp.Pending = []accountage.Handle{}
	}
	if e.Store != nil {
		resp.Store = e.Store.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScan dispatches resolution of every handle found in the body and
// returns without waiting for them.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "scan")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxScanBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	n := s.engine.Coordinator.Rescan(r.Context(), body)
	writeJSON(w, http.StatusAccepted, map[string]int{"dispatched": n})
}

func (s *Server) handleAge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "lookup")

	h, err := accountage.ParseHandle(r.PathValue("handle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LookupTimeout)
	defer cancel()

	rec, err := s.engine.Coordinator.Request(ctx, h)
	switch {
	case errors.Is(err, resolve.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "lookup timed out")
		return
	case err != nil:
		// client disconnected
		s.logger.Debug("lookup abandoned", "handle", h, "error", err)
		return
	}

	if rec.Source == accountage.SourceCache {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	writeJSON(w, http.StatusOK, ageResponse{
		Handle:     rec.Handle,
		AgeDays:    rec.AgeDays,
		Known:      rec.Known(),
		Label:      annotate.Label(rec),
		Source:     rec.Source,
		ResolvedAt: rec.ResolvedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "annotations")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, s.engine.Board.List(limit))
}

func (s *Server) handleAnnotation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "annotation")

	h, err := accountage.ParseHandle(r.PathValue("handle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, ok := s.engine.Board.Get(h)
	if !ok {
		writeError(w, http.StatusNotFound, "no annotation for handle")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
