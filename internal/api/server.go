// Package api exposes the helpdesk backend over HTTP. Handlers stay
// thin: admission control, cache and offload coordination, and JSON
// shaping; the subsystems own all semantics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
	"github.com/ledgerdesk/ledgerdesk/internal/config"
	"github.com/ledgerdesk/ledgerdesk/internal/metrics"
	"github.com/ledgerdesk/ledgerdesk/internal/offload"
	"github.com/ledgerdesk/ledgerdesk/internal/ratelimit"
	"github.com/ledgerdesk/ledgerdesk/internal/session"
	"github.com/ledgerdesk/ledgerdesk/internal/storage"
	"github.com/ledgerdesk/ledgerdesk/internal/window"
)

// Responder produces the assistant's reply for one turn. The language
// model integration lives behind this seam.
type Responder interface {
	Respond(ctx context.Context, chatID string, history []session.Turn, message string) (*Reply, error)
}

// QueryStore is the read side of the relational store the API serves
// directly: history listings and ad hoc queries.
type QueryStore interface {
	ListConversations(ctx context.Context, principal string, limit, offset int) ([]storage.ConversationSummary, error)
	RunQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Reply is one assistant response with its token accounting.
type Reply struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMS    float64
}

// PrincipalFunc resolves the identity a request is attributed to, for
// both conversation ownership and rate limiting.
type PrincipalFunc func(r *http.Request) string

// DefaultPrincipal uses the X-User-ID header when present and falls
// back to the client IP (honoring X-Forwarded-For).
func DefaultPrincipal(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return "user:" + userID
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Server wires the subsystems behind HTTP routes.
type Server struct {
	cfg       *config.Config
	cache     *session.Cache
	offload   *offload.Store
	windower  *window.Windower
	limiter   *ratelimit.Limiter
	metrics   *metrics.Manager
	store     QueryStore
	responder Responder
	principal PrincipalFunc
	logger    *log.Logger
	clock     clock.Clock

	httpServer *http.Server
}

// Deps collects everything a Server needs; all fields are required
// except Principal and Logger.
type Deps struct {
	Config    *config.Config
	Cache     *session.Cache
	Offload   *offload.Store
	Windower  *window.Windower
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Manager
	Store     QueryStore
	Responder Responder
	Principal PrincipalFunc
	Clock     clock.Clock
	Logger    *log.Logger
}

// NewServer builds the API server around already-constructed services.
func NewServer(deps Deps) *Server {
	principal := deps.Principal
	if principal == nil {
		principal = DefaultPrincipal
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:       deps.Config,
		cache:     deps.Cache,
		offload:   deps.Offload,
		windower:  deps.Windower,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		store:     deps.Store,
		responder: deps.Responder,
		principal: principal,
		clock:     deps.Clock,
		logger:    logger.With("component", "api"),
	}
}

// Start begins serving on addr. Blocks until the listener fails or
// Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}
	s.logger.Info("starting API server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Routes configures the full route table.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Conversation endpoints
	api.HandleFunc("/chat", s.limited("chat", s.handleChat)).Methods("POST")
	api.HandleFunc("/chat/history", s.limited("default", s.handleChatHistory)).Methods("GET")
	api.HandleFunc("/chat/{id}/messages", s.limited("default", s.handleChatMessages)).Methods("GET")
	api.HandleFunc("/chat/{id}/tokens", s.limited("default", s.handleTokenStats)).Methods("GET")
	api.HandleFunc("/chat/{id}/metrics", s.limited("default", s.handleChatMetrics)).Methods("GET")
	api.HandleFunc("/chat/{id}/end", s.limited("default", s.handleEndChat)).Methods("POST")

	// Offloaded query results
	api.HandleFunc("/query", s.limited("query", s.handleQuery)).Methods("POST")
	api.HandleFunc("/offload/{id}/chunks", s.limited("query", s.handleOffloadChunks)).Methods("POST")
	api.HandleFunc("/offload/{id}/summary", s.limited("default", s.handleOffloadSummary)).Methods("GET")
	api.HandleFunc("/offload/{id}/stats", s.limited("default", s.handleOffloadStats)).Methods("GET")
	api.HandleFunc("/offload/{id}", s.limited("default", s.handleOffloadClear)).Methods("DELETE")

	// Diagnostics
	api.HandleFunc("/ratelimit/stats", s.handleRateStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited wraps a handler with sliding-window admission control for the
// given operation class.
func (s *Server) limited(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.principal(r)
		res := s.limiter.Check(key, operation, true)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.Reset.Unix()))

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":       "Rate limit exceeded",
				"limit":       res.Limit,
				"retry_after": retryAfter,
				"reset":       res.Reset.Unix(),
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": s.clock.Now().Unix(),
		"services": map[string]any{
			"active_conversations": s.cache.Len(),
			"offload_sessions":     s.offload.Len(),
		},
	}
	s.writeJSON(w, health)
}

func (s *Server) handleRateStats(w http.ResponseWriter, r *http.Request) {
	key := s.principal(r)
	s.writeJSON(w, map[string]any{
		"key":        key,
		"operations": s.limiter.Stats(key),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
