package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ledgerdesk/ledgerdesk/internal/session"
	"github.com/ledgerdesk/ledgerdesk/internal/window"
)

// ChatRequest is the inbound message envelope. An empty ChatID starts a
// new conversation.
type ChatRequest struct {
	ChatID  string `json:"chat_id,omitempty"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// ChatResponse carries the assistant's reply and conversation identity.
type ChatResponse struct {
	Response       string `json:"response"`
	ChatID         string `json:"chat_id"`
	SessionID      string `json:"session_id"`
	IsNewChat      bool   `json:"is_new_chat"`
	TotalTokens    int    `json:"total_tokens"`
	BudgetExceeded bool   `json:"budget_exceeded,omitempty"`
}

const budgetExceededMessage = "This chat has reached its maximum length. Please start a new chat to continue."

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.writeError(w, "message is required", http.StatusBadRequest)
		return
	}

	principal := s.principal(r)
	ctx := r.Context()

	var info *session.Info
	var err error
	if req.ChatID != "" {
		info, err = s.cache.CreateOrLoad(ctx, req.ChatID, principal)
	} else {
		info, err = s.cache.Create(ctx, principal)
	}
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "chat not found", http.StatusNotFound)
			return
		}
		s.logger.Error("conversation setup failed", "chat_id", req.ChatID, "err", err)
		s.writeError(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	maxTokens := s.cfg.Session.EffectiveMaxTokens()
	withinBudget, err := s.cache.CheckBudget(info.ChatID, maxTokens)
	if err != nil {
		s.writeError(w, "failed to check token budget", http.StatusInternalServerError)
		return
	}
	if !withinBudget {
		s.writeJSON(w, ChatResponse{
			Response:       budgetExceededMessage,
			ChatID:         info.ChatID,
			SessionID:      info.SessionID,
			TotalTokens:    info.TotalTokens,
			BudgetExceeded: true,
		})
		return
	}

	// Bound the history handed to the responder; the full log stays in
	// the cache untouched.
	history := s.windower.Apply(s.cache.GetCachedMessages(info.ChatID))

	start := s.clock.Now()
	reply, err := s.responder.Respond(ctx, info.ChatID, history, req.Message)
	if err != nil {
		s.metrics.TrackError(info.ChatID, "responder", err.Error(), "api")
		s.logger.Error("responder failed", "chat_id", info.ChatID, "err", err)
		s.writeError(w, "failed to generate response", http.StatusInternalServerError)
		return
	}
	latencyMS := reply.LatencyMS
	if latencyMS == 0 {
		latencyMS = float64(s.clock.Now().Sub(start)) / float64(time.Millisecond)
	}

	inputTokens := reply.InputTokens
	if inputTokens == 0 {
		inputTokens = window.EstimateTokens(req.Message)
	}
	if _, err := s.cache.AppendTurn(info.ChatID, session.RoleUser, req.Message, inputTokens); err != nil {
		s.writeError(w, "failed to record message", http.StatusInternalServerError)
		return
	}
	if _, err := s.cache.AppendTurn(info.ChatID, session.RoleAssistant, reply.Content, reply.OutputTokens); err != nil {
		s.writeError(w, "failed to record response", http.StatusInternalServerError)
		return
	}

	s.metrics.TrackLLMCall(info.ChatID, reply.Model, inputTokens, reply.OutputTokens, latencyMS, true)

	// Batched persistence: both flushes are interval-gated no-ops until
	// their windows elapse.
	if _, err := s.cache.Flush(ctx, info.ChatID, false); err != nil {
		s.logger.Error("flush failed, turns stay cached for retry", "chat_id", info.ChatID, "err", err)
	}
	if _, err := s.metrics.Push(ctx, info.ChatID, false); err != nil {
		s.logger.Error("metrics push failed", "chat_id", info.ChatID, "err", err)
	}

	usage, err := s.cache.GetTokenStats(info.ChatID)
	if err != nil {
		s.writeError(w, "failed to read token stats", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, ChatResponse{
		Response:    reply.Content,
		ChatID:      info.ChatID,
		SessionID:   info.SessionID,
		IsNewChat:   info.IsNew,
		TotalTokens: usage.Total,
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	list, err := s.store.ListConversations(r.Context(), principal, limit, offset)
	if err != nil {
		s.logger.Error("history listing failed", "principal", principal, "err", err)
		s.writeError(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"chats": list, "count": len(list)})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	principal := s.principal(r)

	// CreateOrLoad validates ownership and warms the cache from storage
	// when needed.
	if _, err := s.cache.CreateOrLoad(r.Context(), chatID, principal); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "chat not found", http.StatusNotFound)
			return
		}
		s.writeError(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	messages := s.cache.GetCachedMessages(chatID)
	s.writeJSON(w, map[string]any{
		"chat_id":  chatID,
		"messages": messages,
		"count":    len(messages),
	})
}

func (s *Server) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]

	usage, err := s.cache.GetTokenStats(chatID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "chat not active", http.StatusNotFound)
			return
		}
		s.writeError(w, "failed to read token stats", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]any{
		"chat_id":     chatID,
		"token_usage": usage,
		"max_tokens":  s.cfg.Session.EffectiveMaxTokens(),
	})
}

func (s *Server) handleChatMetrics(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]

	snap, ok := s.metrics.Snapshot(chatID)
	if !ok {
		s.writeError(w, "no metrics for chat", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleEndChat(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	ctx := r.Context()

	if err := s.cache.EndSession(ctx, chatID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "chat not active", http.StatusNotFound)
			return
		}
		s.logger.Error("end session failed", "chat_id", chatID, "err", err)
		s.writeError(w, "failed to end session", http.StatusInternalServerError)
		return
	}

	if _, err := s.metrics.Push(ctx, chatID, true); err != nil {
		s.logger.Error("final metrics push failed", "chat_id", chatID, "err", err)
	} else {
		s.metrics.Drop(chatID)
	}

	s.writeJSON(w, map[string]any{
		"chat_id": chatID,
		"status":  "ended",
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
