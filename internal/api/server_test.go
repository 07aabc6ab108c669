package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
	"github.com/ledgerdesk/ledgerdesk/internal/config"
	"github.com/ledgerdesk/ledgerdesk/internal/metrics"
	"github.com/ledgerdesk/ledgerdesk/internal/offload"
	"github.com/ledgerdesk/ledgerdesk/internal/ratelimit"
	"github.com/ledgerdesk/ledgerdesk/internal/session"
	"github.com/ledgerdesk/ledgerdesk/internal/storage"
	"github.com/ledgerdesk/ledgerdesk/internal/window"
)

// fakeSessionStore is an in-memory session.Store.
type fakeSessionStore struct {
	mu        sync.Mutex
	created   map[string]string // chatID -> principal
	persisted map[string][]session.Turn
	summaries map[string]session.Summary
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		created:   make(map[string]string),
		persisted: make(map[string][]session.Turn),
		summaries: make(map[string]session.Summary),
	}
}

func (s *fakeSessionStore) CreateConversation(_ context.Context, chatID, principal string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[chatID] = principal
	return nil
}

func (s *fakeSessionStore) LoadConversation(_ context.Context, chatID, principal string) ([]session.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.created[chatID]
	if !ok || owner != principal {
		return nil, session.ErrNotFound
	}
	return append([]session.Turn(nil), s.persisted[chatID]...), nil
}

func (s *fakeSessionStore) SaveTurns(_ context.Context, chatID, _ string, turns []session.Turn, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted[chatID] = append(s.persisted[chatID], turns...)
	return nil
}

func (s *fakeSessionStore) UpsertSummary(_ context.Context, summary session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.ChatID] = summary
	return nil
}

// fakeQueryStore serves canned rows for /query and /chat/history.
type fakeQueryStore struct {
	rows          []map[string]any
	conversations []storage.ConversationSummary
	queryErr      error
}

func (s *fakeQueryStore) ListConversations(_ context.Context, _ string, _, _ int) ([]storage.ConversationSummary, error) {
	return s.conversations, nil
}

func (s *fakeQueryStore) RunQuery(_ context.Context, _ string, _ ...any) ([]map[string]any, error) {
	return s.rows, s.queryErr
}

// nullMetricsStore accepts every metric batch.
type nullMetricsStore struct{}

func (nullMetricsStore) SaveEvents(context.Context, string, []metrics.Event) error { return nil }

// echoResponder replies with a fixed-cost canned answer.
type echoResponder struct {
	err error
}

func (e *echoResponder) Respond(_ context.Context, _ string, _ []session.Turn, message string) (*Reply, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &Reply{
		Content:      "You asked: " + message,
		Model:        "test-model",
		InputTokens:  10,
		OutputTokens: 5,
		LatencyMS:    12.5,
	}, nil
}

type testEnv struct {
	server       *Server
	router       http.Handler
	clock        *clock.Fake
	sessionStore *fakeSessionStore
	queryStore   *fakeQueryStore
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Session: config.SessionConfig{
			MaxTokensPerChat:  1000,
			IdleTimeout:       55 * time.Minute,
			AutoFlushInterval: 5 * time.Minute,
		},
		Window: config.WindowConfig{
			Strategy: "adaptive", Size: 10, MaxWindowTokens: 8000, MinWindowSize: 4,
		},
		Offload: config.OffloadConfig{ChunkSize: 200},
		RateLimit: config.RateLimitConfig{
			Default: config.RatePolicy{Limit: 100, Window: time.Minute},
			Operations: map[string]config.RatePolicy{
				"chat":  {Limit: 20, Window: time.Minute},
				"query": {Limit: 30, Window: time.Minute},
			},
		},
		Metrics: config.MetricsConfig{PushInterval: 5 * time.Minute},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	sessionStore := newFakeSessionStore()
	queryStore := &fakeQueryStore{}

	cache := session.NewCache(sessionStore, clk, session.Options{
		AutoFlushInterval: cfg.Session.AutoFlushInterval,
		IdleTimeout:       cfg.Session.IdleTimeout,
	})
	limiterCfg := ratelimit.Config{
		Default:    ratelimit.Policy{Limit: cfg.RateLimit.Default.Limit, Window: cfg.RateLimit.Default.Window},
		Operations: make(map[string]ratelimit.Policy),
	}
	for op, p := range cfg.RateLimit.Operations {
		limiterCfg.Operations[op] = ratelimit.Policy{Limit: p.Limit, Window: p.Window}
	}

	server := NewServer(Deps{
		Config:  cfg,
		Cache:   cache,
		Offload: offload.New(cfg.Offload.ChunkSize, clk, nil),
		Windower: window.New(window.Config{
			Strategy:  cfg.Window.Strategy,
			Size:      cfg.Window.Size,
			MaxTokens: cfg.Window.MaxWindowTokens,
			MinSize:   cfg.Window.MinWindowSize,
		}, nil),
		Limiter:   ratelimit.New(limiterCfg, clk, nil),
		Metrics:   metrics.NewManager(nullMetricsStore{}, clk, cfg.Metrics.PushInterval, nil),
		Store:     queryStore,
		Responder: &echoResponder{},
		Clock:     clk,
	})

	return &testEnv{
		server:       server,
		router:       server.Routes(),
		clock:        clk,
		sessionStore: sessionStore,
		queryStore:   queryStore,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func TestChatNewConversation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "where is invoice 42?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	decode(t, rec, &resp)
	assert.True(t, resp.IsNewChat)
	assert.NotEmpty(t, resp.ChatID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "You asked: where is invoice 42?", resp.Response)
	assert.Equal(t, 15, resp.TotalTokens)
}

func TestChatContinuesExistingConversation(t *testing.T) {
	env := newTestEnv(t, nil)

	var first ChatResponse
	decode(t, env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "first"}), &first)

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{ChatID: first.ChatID, Message: "second"})
	require.Equal(t, http.StatusOK, rec.Code)

	var second ChatResponse
	decode(t, rec, &second)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.False(t, second.IsNewChat)
	assert.Equal(t, 30, second.TotalTokens)
}

func TestChatUnknownChatID(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{ChatID: "chat_missing", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEmptyMessageRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatBudgetExceededTerminalMessage(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Session.MaxTokensPerChat = 15
	})

	var first ChatResponse
	decode(t, env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "first"}), &first)
	require.False(t, first.BudgetExceeded)

	// The first exchange consumed the full 15-token budget; the next
	// request is refused before the responder is invoked.
	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{ChatID: first.ChatID, Message: "second"})
	require.Equal(t, http.StatusOK, rec.Code)

	var second ChatResponse
	decode(t, rec, &second)
	assert.True(t, second.BudgetExceeded)
	assert.Equal(t, budgetExceededMessage, second.Response)
}

func TestChatRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Operations["chat"] = config.RatePolicy{Limit: 2, Window: time.Minute}
	})

	for i := 0; i < 2; i++ {
		rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestChatResponderFailureTracked(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.responder = &echoResponder{err: fmt.Errorf("model unavailable")}

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTokenStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var resp ChatResponse
	decode(t, env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"}), &resp)

	rec := env.do(t, "GET", "/api/v1/chat/"+resp.ChatID+"/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TokenUsage session.Usage `json:"token_usage"`
		MaxTokens  int           `json:"max_tokens"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 15, body.TokenUsage.Total)
	assert.Equal(t, 1000, body.MaxTokens)
}

func TestChatMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var resp ChatResponse
	decode(t, env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"}), &resp)

	rec := env.do(t, "GET", "/api/v1/chat/"+resp.ChatID+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.ChatSnapshot
	decode(t, rec, &snap)
	assert.Equal(t, 1, snap.LLMCalls)
	assert.Equal(t, 15, snap.TotalTokens)
}

func TestEndChatPersistsSummary(t *testing.T) {
	env := newTestEnv(t, nil)

	var resp ChatResponse
	decode(t, env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"}), &resp)

	rec := env.do(t, "POST", "/api/v1/chat/"+resp.ChatID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.sessionStore.mu.Lock()
	summary, ok := env.sessionStore.summaries[resp.ChatID]
	persisted := len(env.sessionStore.persisted[resp.ChatID])
	env.sessionStore.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 15, summary.TotalTokens)
	assert.Equal(t, 2, persisted)
}

func TestEndChatUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/chat/chat_missing/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queryStore.conversations = []storage.ConversationSummary{
		{ChatID: "chat_1", MessageCount: 4, TotalTokens: 60, LastMessage: "thanks"},
	}

	rec := env.do(t, "GET", "/api/v1/chat/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Chats []storage.ConversationSummary `json:"chats"`
		Count int                           `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "chat_1", body.Chats[0].ChatID)
}

func TestQuerySmallResultInline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queryStore.rows = []map[string]any{{"id": 1.0, "status": "paid"}}

	rec := env.do(t, "POST", "/api/v1/query", QueryRequest{Query: "SELECT 1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 1, body["count"])
}

func TestQueryLargeResultOffloadedAndRetrievable(t *testing.T) {
	env := newTestEnv(t, nil)
	rows := make([]map[string]any, 100)
	for i := range rows {
		rows[i] = map[string]any{"id": i, "amount": 10.0, "status": "paid"}
	}
	env.queryStore.rows = rows

	rec := env.do(t, "POST", "/api/v1/query", QueryRequest{Query: "SELECT * FROM invoices"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string          `json:"status"`
		SessionID   string          `json:"session_id"`
		Summary     offload.Summary `json:"summary"`
		TotalChunks int             `json:"total_chunks"`
	}
	decode(t, rec, &body)
	require.Equal(t, "offloaded", body.Status)
	assert.Equal(t, 100, body.Summary.TotalRows)
	assert.Greater(t, body.TotalChunks, 1)

	// Fetch the first chunk through the API.
	chunkRec := env.do(t, "POST", "/api/v1/offload/"+body.SessionID+"/chunks", ChunkRequest{Indices: []int{0}})
	require.Equal(t, http.StatusOK, chunkRec.Code)

	var chunk offload.ChunkResult
	decode(t, chunkRec, &chunk)
	assert.NotEmpty(t, chunk.Rows)
	assert.Equal(t, body.TotalChunks-1, chunk.ChunksRemaining)

	// Stats reflect the retrieval; summary stays isolated.
	statsRec := env.do(t, "GET", "/api/v1/offload/"+body.SessionID+"/stats", nil)
	require.Equal(t, http.StatusOK, statsRec.Code)
	var stats offload.RetrievalStats
	decode(t, statsRec, &stats)
	assert.Equal(t, 1, stats.ChunksRetrieved)

	// Clear, then further access 404s.
	clearRec := env.do(t, "DELETE", "/api/v1/offload/"+body.SessionID, nil)
	require.Equal(t, http.StatusOK, clearRec.Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, "GET", "/api/v1/offload/"+body.SessionID+"/summary", nil).Code)
}

func TestOffloadInvalidIndices(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID := env.server.offload.Store([]offload.Row{{"id": 1}}, "q")

	rec := env.do(t, "POST", "/api/v1/offload/"+sessionID+"/chunks", ChunkRequest{Indices: []int{7}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOffloadUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/offload/session_missing/chunks", ChunkRequest{Indices: []int{0}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})

	rec := env.do(t, "GET", "/api/v1/ratelimit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Key        string                       `json:"key"`
		Operations map[string]ratelimit.OpStats `json:"operations"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "user:alice", body.Key)
	assert.Equal(t, 1, body.Operations["chat"].Count)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
}
