package offload

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
)

// ErrNotFound means the offload session id is unknown (never stored, or
// already cleared).
var ErrNotFound = errors.New("offload session not found")

// InvalidIndexError lists the requested chunk indices that fall outside
// [0, TotalChunks).
type InvalidIndexError struct {
	Indices     []int
	TotalChunks int
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("invalid chunk indices %v, valid range 0-%d", e.Indices, e.TotalChunks-1)
}

// ChunkStats tracks retrieval of one chunk. Counts only increase.
type ChunkStats struct {
	Retrieved      bool      `json:"retrieved"`
	RetrievalCount int       `json:"retrieval_count"`
	FirstRetrieval time.Time `json:"first_retrieval,omitempty"`
	LastRetrieval  time.Time `json:"last_retrieval,omitempty"`
	RowCount       int       `json:"row_count"`
}

// RetrievalRecord is one entry in a session's retrieval history log.
type RetrievalRecord struct {
	At            time.Time `json:"timestamp"`
	ChunkIndices  []int     `json:"chunk_indices"`
	RowsRetrieved int       `json:"rows_retrieved"`
}

// Progress summarizes how much of a session has been examined.
type Progress struct {
	ChunksRetrieved       int     `json:"chunks_retrieved"`
	TotalChunks           int     `json:"total_chunks"`
	Percentage            float64 `json:"percentage"`
	NeverRetrievedIndices []int   `json:"chunks_never_retrieved"`
}

// ChunkResult is the response to GetChunks: only the requested rows plus
// bookkeeping the consumer needs to plan its next fetch.
type ChunkResult struct {
	SessionID        string   `json:"session_id"`
	RetrievedChunks  []int    `json:"retrieved_chunks"`
	Rows             []Row    `json:"data"`
	TotalChunks      int      `json:"total_chunks_available"`
	ChunksRemaining  int      `json:"chunks_remaining"`
	RemainingIndices []int    `json:"remaining_chunk_indices"`
	Progress         Progress `json:"retrieval_progress"`
	Message          string   `json:"message"`
}

// RetrievalStats is the full ledger dump for observability.
type RetrievalStats struct {
	SessionID               string            `json:"session_id"`
	TotalChunks             int               `json:"total_chunks"`
	ChunksRetrieved         int               `json:"chunks_retrieved"`
	ChunksNeverRetrieved    int               `json:"chunks_never_retrieved"`
	ChunksRetrievedMultiple int               `json:"chunks_retrieved_multiple_times"`
	ProgressPercentage      float64           `json:"progress_percentage"`
	NeverRetrievedIndices   []int             `json:"never_retrieved_indices"`
	MultipleIndices         []int             `json:"multiple_retrieval_indices"`
	History                 []RetrievalRecord `json:"retrieval_history"`
	ChunkDetails            []ChunkStats      `json:"chunk_details"`
}

type offloadSession struct {
	mu        sync.Mutex
	id        string
	query     string
	createdAt time.Time
	chunks    [][]Row
	totalRows int
	summary   Summary
	tracking  []ChunkStats
	history   []RetrievalRecord
}

// Store chunks oversized query results in memory and tracks which chunks
// a consumer has actually examined. Safe for concurrent use; sessions
// are independently locked.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*offloadSession

	chunkSize int
	clock     clock.Clock
	logger    *log.Logger
}

// New builds an offload store with the given chunk byte budget.
func New(chunkSize int, clk clock.Clock, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		sessions:  make(map[string]*offloadSession),
		chunkSize: chunkSize,
		clock:     clk,
		logger:    logger.With("component", "offload"),
	}
}

// Store chunks the rows, computes the summary over the complete set, and
// registers the session with every chunk marked unretrieved. Always
// succeeds; empty input yields a session with zero chunks.
func (s *Store) Store(rows []Row, queryText string) string {
	sessionID := "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	chunks := splitRows(rows, s.chunkSize)
	tracking := make([]ChunkStats, len(chunks))
	for i, chunk := range chunks {
		tracking[i] = ChunkStats{RowCount: len(chunk)}
	}

	sess := &offloadSession{
		id:        sessionID,
		query:     queryText,
		createdAt: s.clock.Now(),
		chunks:    chunks,
		totalRows: len(rows),
		summary:   summarize(rows),
		tracking:  tracking,
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.logger.Info("result set offloaded", "session_id", sessionID,
		"rows", len(rows), "chunks", len(chunks), "chunk_size", s.chunkSize)
	return sessionID
}

// GetChunks returns exactly the requested chunks' rows, marks each one
// retrieved (repeat retrieval is counted, not deduplicated), and reports
// what remains. The consumer decides what to fetch; the store never does.
func (s *Store) GetChunks(sessionID string, indices []int) (*ChunkResult, error) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	total := len(sess.chunks)
	var invalid []int
	for _, idx := range indices {
		if idx < 0 || idx >= total {
			invalid = append(invalid, idx)
		}
	}
	if len(invalid) > 0 {
		return nil, &InvalidIndexError{Indices: invalid, TotalChunks: total}
	}

	now := s.clock.Now()
	var rows []Row
	for _, idx := range indices {
		rows = append(rows, sess.chunks[idx]...)

		t := &sess.tracking[idx]
		t.Retrieved = true
		t.RetrievalCount++
		if t.FirstRetrieval.IsZero() {
			t.FirstRetrieval = now
		}
		t.LastRetrieval = now
	}

	sess.history = append(sess.history, RetrievalRecord{
		At:            now,
		ChunkIndices:  append([]int(nil), indices...),
		RowsRetrieved: len(rows),
	})

	progress := sess.progressLocked()
	result := &ChunkResult{
		SessionID:        sessionID,
		RetrievedChunks:  append([]int(nil), indices...),
		Rows:             rows,
		TotalChunks:      total,
		ChunksRemaining:  len(progress.NeverRetrievedIndices),
		RemainingIndices: progress.NeverRetrievedIndices,
		Progress:         progress,
	}
	if len(progress.NeverRetrievedIndices) > 0 {
		result.Message = fmt.Sprintf(
			"Retrieved %d chunk(s) with %d rows. Progress: %.1f%% (%d/%d chunks). %d chunk(s) remaining.",
			len(indices), len(rows), progress.Percentage,
			progress.ChunksRetrieved, total, len(progress.NeverRetrievedIndices))
	} else {
		result.Message = fmt.Sprintf(
			"All chunks retrieved! Total: %d rows across %d chunks.", len(rows), total)
	}

	s.logger.Debug("chunks retrieved", "session_id", sessionID,
		"requested", indices, "rows", len(rows),
		"progress_pct", progress.Percentage)
	return result, nil
}

// GetSummary returns the precomputed summary without touching retrieval
// tracking.
func (s *Store) GetSummary(sessionID string) (Summary, bool) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return Summary{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.summary, true
}

// GetRetrievalStats dumps the full retrieval ledger for a session.
func (s *Store) GetRetrievalStats(sessionID string) (*RetrievalStats, bool) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.statsLocked(), true
}

// Clear removes the session, logging final retrieval coverage so a
// partially unread result set never vanishes invisibly.
func (s *Store) Clear(sessionID string) bool {
	sess := s.lookup(sessionID)
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	stats := sess.statsLocked()
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.logger.Info("offload session cleared", "session_id", sessionID,
		"retrieved", stats.ChunksRetrieved, "total", stats.TotalChunks,
		"never_retrieved", stats.ChunksNeverRetrieved)
	return true
}

// Len reports the number of live offload sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(sessionID string) *offloadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (sess *offloadSession) progressLocked() Progress {
	total := len(sess.chunks)
	retrieved := 0
	never := []int{}
	for i, t := range sess.tracking {
		if t.Retrieved {
			retrieved++
		} else {
			never = append(never, i)
		}
	}
	pct := 100.0
	if total > 0 {
		pct = round1(float64(retrieved) / float64(total) * 100)
	}
	return Progress{
		ChunksRetrieved:       retrieved,
		TotalChunks:           total,
		Percentage:            pct,
		NeverRetrievedIndices: never,
	}
}

func (sess *offloadSession) statsLocked() *RetrievalStats {
	progress := sess.progressLocked()
	var multiple []int
	for i, t := range sess.tracking {
		if t.RetrievalCount > 1 {
			multiple = append(multiple, i)
		}
	}
	return &RetrievalStats{
		SessionID:               sess.id,
		TotalChunks:             progress.TotalChunks,
		ChunksRetrieved:         progress.ChunksRetrieved,
		ChunksNeverRetrieved:    len(progress.NeverRetrievedIndices),
		ChunksRetrievedMultiple: len(multiple),
		ProgressPercentage:      progress.Percentage,
		NeverRetrievedIndices:   progress.NeverRetrievedIndices,
		MultipleIndices:         multiple,
		History:                 append([]RetrievalRecord(nil), sess.history...),
		ChunkDetails:            append([]ChunkStats(nil), sess.tracking...),
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
