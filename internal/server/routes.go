package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/orchestrator"
	"github.com/stratamem/stratamem/internal/watchdog"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload    string        `json:"payload"`
		Importance float64       `json:"importance"`
		Edges      []memory.Edge `json:"edges"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	it, decision, err := s.orch.Ingest(r.Context(), req.Payload, req.Importance, req.Edges)
	switch {
	case errors.Is(err, orchestrator.ErrSanitizationRejected):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnprocessableEntity)
		return
	case errors.Is(err, memory.ErrShuttingDown):
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	case decision == watchdog.Reject:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "capacity exhausted", "decision": decision.String()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"id":       it.ID,
		"tier":     string(it.Tier),
		"decision": decision.String(),
	})
}

// handleGetItem reads an item and records the access, so a GET reinforces
// the item's energy.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	it, err := s.orch.Touch(r.Context(), itemID)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	if it == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(it)
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.wd.DebugSnapshot(r.Context())
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.RunManualCycle(r.Context())
	switch {
	case errors.Is(err, memory.ErrCycleInProgress):
		http.Error(w, `{"error":"cycle already in progress"}`, http.StatusConflict)
		return
	case errors.Is(err, memory.ErrShuttingDown):
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleRecentCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.db.RecentCycleEvents(limit)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"cycles": events})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.idx == nil {
		http.Error(w, `{"error":"index maintenance not configured"}`, http.StatusServiceUnavailable)
		return
	}

	report, err := s.idx.CheckIntegrity(r.Context())
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.idx == nil {
		http.Error(w, `{"error":"index maintenance not configured"}`, http.StatusServiceUnavailable)
		return
	}

	batchSize := 64
	if r.ContentLength > 0 {
		var req struct {
			BatchSize int `json:"batch_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if req.BatchSize > 0 {
			batchSize = req.BatchSize
		}
	}

	repaired, err := s.idx.Reindex(r.Context(), batchSize)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"repaired": repaired})
}
