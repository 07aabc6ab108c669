// Package metrics buffers per-conversation telemetry in memory and
// pushes it to durable storage in interval-gated batches, mirroring
// how conversation turns are cached and flushed.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
)

// Kind discriminates event payloads.
type Kind string

const (
	KindLLMCall       Kind = "llm_call"
	KindToolExecution Kind = "tool_execution"
	KindError         Kind = "error"
)

// Event is one telemetry record. Kind selects which field group is
// meaningful; unused fields stay zero.
type Event struct {
	Kind Kind      `json:"type"`
	At   time.Time `json:"timestamp"`

	// llm_call
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	LatencyMS    float64 `json:"latency_ms,omitempty"`
	Success      bool    `json:"success,omitempty"`

	// tool_execution
	Tool       string  `json:"tool_name,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	ToolError  string  `json:"error,omitempty"`

	// error
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Component    string `json:"component,omitempty"`
}

// Store is the persistence contract for metric events.
type Store interface {
	SaveEvents(ctx context.Context, chatID string, events []Event) error
}

// ChatSnapshot is the in-memory aggregate view for one conversation.
type ChatSnapshot struct {
	ChatID            string    `json:"chat_id"`
	LLMCalls          int       `json:"total_llm_calls"`
	ToolExecutions    int       `json:"total_tool_executions"`
	Errors            int       `json:"total_errors"`
	TotalInputTokens  int       `json:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	AvgLatencyMS      float64   `json:"avg_response_time_ms"`
	LastUpdated       time.Time `json:"last_updated"`
	UnsavedCount      int       `json:"unsaved_count"`
}

type chatMetrics struct {
	mu sync.Mutex
	// pushMu serializes pushes and is the only lock held across store
	// I/O.
	pushMu sync.Mutex

	llmCalls       int
	toolExecutions int
	errors         int
	totalInput     int
	totalOutput    int
	latencySumMS   float64
	lastUpdated    time.Time
	lastPush       time.Time
	unsaved        []Event
}

// Manager tracks telemetry per conversation. Safe for concurrent use;
// conversations are independently locked.
type Manager struct {
	mu    sync.RWMutex
	chats map[string]*chatMetrics

	store        Store
	clock        clock.Clock
	pushInterval time.Duration
	logger       *log.Logger
}

// NewManager builds a Manager that batches events through store.
func NewManager(store Store, clk clock.Clock, pushInterval time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		chats:        make(map[string]*chatMetrics),
		store:        store,
		clock:        clk,
		pushInterval: pushInterval,
		logger:       logger.With("component", "metrics"),
	}
}

// TrackLLMCall records one model invocation.
func (m *Manager) TrackLLMCall(chatID, model string, inputTokens, outputTokens int, latencyMS float64, success bool) {
	now := m.clock.Now()
	cm := m.chatFor(chatID)

	cm.mu.Lock()
	cm.llmCalls++
	cm.totalInput += inputTokens
	cm.totalOutput += outputTokens
	cm.latencySumMS += latencyMS
	cm.lastUpdated = now
	cm.unsaved = append(cm.unsaved, Event{
		Kind: KindLLMCall, At: now,
		Model: model, InputTokens: inputTokens, OutputTokens: outputTokens,
		LatencyMS: latencyMS, Success: success,
	})
	cm.mu.Unlock()

	m.logger.Debug("llm call tracked", "chat_id", chatID,
		"tokens", inputTokens+outputTokens, "latency_ms", latencyMS)
}

// TrackToolExecution records one tool run.
func (m *Manager) TrackToolExecution(chatID, tool string, durationMS float64, success bool, toolErr string) {
	now := m.clock.Now()
	cm := m.chatFor(chatID)

	cm.mu.Lock()
	cm.toolExecutions++
	cm.lastUpdated = now
	cm.unsaved = append(cm.unsaved, Event{
		Kind: KindToolExecution, At: now,
		Tool: tool, DurationMS: durationMS, Success: success, ToolError: toolErr,
	})
	cm.mu.Unlock()

	m.logger.Debug("tool execution tracked", "chat_id", chatID,
		"tool", tool, "duration_ms", durationMS, "success", success)
}

// TrackError records a failure for later analysis.
func (m *Manager) TrackError(chatID, errorType, message, component string) {
	now := m.clock.Now()
	cm := m.chatFor(chatID)

	cm.mu.Lock()
	cm.errors++
	cm.lastUpdated = now
	cm.unsaved = append(cm.unsaved, Event{
		Kind: KindError, At: now,
		ErrorType: errorType, ErrorMessage: message, Component: component,
	})
	cm.mu.Unlock()

	m.logger.Warn("error tracked", "chat_id", chatID,
		"type", errorType, "component", component)
}

// Snapshot returns the aggregate view for one conversation.
func (m *Manager) Snapshot(chatID string) (ChatSnapshot, bool) {
	m.mu.RLock()
	cm := m.chats[chatID]
	m.mu.RUnlock()
	if cm == nil {
		return ChatSnapshot{}, false
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	snap := ChatSnapshot{
		ChatID:            chatID,
		LLMCalls:          cm.llmCalls,
		ToolExecutions:    cm.toolExecutions,
		Errors:            cm.errors,
		TotalInputTokens:  cm.totalInput,
		TotalOutputTokens: cm.totalOutput,
		TotalTokens:       cm.totalInput + cm.totalOutput,
		LastUpdated:       cm.lastUpdated,
		UnsavedCount:      len(cm.unsaved),
	}
	if cm.llmCalls > 0 {
		snap.AvgLatencyMS = cm.latencySumMS / float64(cm.llmCalls)
	}
	return snap, true
}

// Push writes the conversation's unsaved events to the store. Without
// force it is a no-op until the push interval has elapsed since the
// last push. Events tracked while the store call is in flight stay
// buffered for the next push. On store failure the buffer is left
// intact for retry. Returns the number of events pushed.
func (m *Manager) Push(ctx context.Context, chatID string, force bool) (int, error) {
	m.mu.RLock()
	cm := m.chats[chatID]
	m.mu.RUnlock()
	if cm == nil {
		return 0, nil
	}

	cm.pushMu.Lock()
	defer cm.pushMu.Unlock()

	now := m.clock.Now()
	cm.mu.Lock()
	if len(cm.unsaved) == 0 {
		cm.mu.Unlock()
		return 0, nil
	}
	if !force && now.Sub(cm.lastPush) < m.pushInterval {
		cm.mu.Unlock()
		return 0, nil
	}
	pending := append([]Event(nil), cm.unsaved...)
	cm.mu.Unlock()

	if err := m.store.SaveEvents(ctx, chatID, pending); err != nil {
		m.logger.Error("metrics push failed", "chat_id", chatID,
			"count", len(pending), "err", err)
		return 0, err
	}

	cm.mu.Lock()
	cm.unsaved = cm.unsaved[len(pending):]
	cm.lastPush = now
	cm.mu.Unlock()

	m.logger.Info("metrics pushed", "chat_id", chatID, "count", len(pending))
	return len(pending), nil
}

// PushAll pushes every conversation's buffer, continuing past
// per-conversation failures. Returns the total pushed and the first
// error encountered.
func (m *Manager) PushAll(ctx context.Context, force bool) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.chats))
	for id := range m.chats {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	total := 0
	var firstErr error
	for _, id := range ids {
		n, err := m.Push(ctx, id, force)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// Drop discards a conversation's buffered metrics without pushing.
func (m *Manager) Drop(chatID string) {
	m.mu.Lock()
	delete(m.chats, chatID)
	m.mu.Unlock()
}

func (m *Manager) chatFor(chatID string) *chatMetrics {
	m.mu.RLock()
	cm := m.chats[chatID]
	m.mu.RUnlock()
	if cm != nil {
		return cm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cm = m.chats[chatID]; cm == nil {
		cm = &chatMetrics{lastPush: m.clock.Now()}
		m.chats[chatID] = cm
	}
	return cm
}
