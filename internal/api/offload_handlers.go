package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ledgerdesk/ledgerdesk/internal/offload"
)

// QueryRequest runs a read-only query against the store. Large result
// sets are offloaded instead of returned inline.
type QueryRequest struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// ChunkRequest asks for specific chunks of an offloaded result set.
type ChunkRequest struct {
	Indices []int `json:"chunk_indices"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		s.writeError(w, "query is required", http.StatusBadRequest)
		return
	}

	rows, err := s.store.RunQuery(r.Context(), req.Query, req.Args...)
	if err != nil {
		s.logger.Error("query failed", "err", err)
		s.writeError(w, "query failed", http.StatusInternalServerError)
		return
	}

	// Results that fit one chunk go back inline; anything larger is
	// offloaded so a token-constrained consumer pulls it incrementally.
	serialized, _ := json.Marshal(rows)
	if len(serialized) <= s.cfg.Offload.ChunkSize {
		s.writeJSON(w, map[string]any{
			"status":  "success",
			"results": rows,
			"count":   len(rows),
		})
		return
	}

	sessionID := s.offload.Store(rows, req.Query)
	summary, _ := s.offload.GetSummary(sessionID)
	stats, _ := s.offload.GetRetrievalStats(sessionID)
	s.writeJSON(w, map[string]any{
		"status":       "offloaded",
		"session_id":   sessionID,
		"summary":      summary,
		"total_rows":   len(rows),
		"total_chunks": stats.TotalChunks,
		"message":      "Result set too large to return inline; fetch chunks incrementally.",
	})
}

func (s *Server) handleOffloadChunks(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req ChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Indices) == 0 {
		s.writeError(w, "chunk_indices is required", http.StatusBadRequest)
		return
	}

	result, err := s.offload.GetChunks(sessionID, req.Indices)
	if err != nil {
		var idxErr *offload.InvalidIndexError
		switch {
		case errors.Is(err, offload.ErrNotFound):
			s.writeError(w, "offload session not found", http.StatusNotFound)
		case errors.As(err, &idxErr):
			s.writeError(w, idxErr.Error(), http.StatusBadRequest)
		default:
			s.writeError(w, "failed to retrieve chunks", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) handleOffloadSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	summary, ok := s.offload.GetSummary(sessionID)
	if !ok {
		s.writeError(w, "offload session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]any{
		"session_id": sessionID,
		"summary":    summary,
	})
}

func (s *Server) handleOffloadStats(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	stats, ok := s.offload.GetRetrievalStats(sessionID)
	if !ok {
		s.writeError(w, "offload session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleOffloadClear(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if !s.offload.Clear(sessionID) {
		s.writeError(w, "offload session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]any{
		"session_id": sessionID,
		"status":     "cleared",
	})
}
