package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
)

// Store is the persistence contract the cache flushes through. All
// methods may block on external I/O; everything else in this package is
// pure in-memory computation.
type Store interface {
	CreateConversation(ctx context.Context, chatID, principal string, at time.Time) error
	// LoadConversation replays all persisted turns for the chat in
	// chronological order. Returns ErrNotFound when the chat does not
	// exist or belongs to another principal.
	LoadConversation(ctx context.Context, chatID, principal string) ([]Turn, error)
	// SaveTurns persists a batch of turns. The batch is atomic: a
	// partial write must return an error so the caller's offset stays put.
	SaveTurns(ctx context.Context, chatID, sessionID string, turns []Turn, cumulativeTotal int) error
	// UpsertSummary writes the end-of-session summary keyed by
	// (chat_id, session_id); repeated calls overwrite, never duplicate.
	UpsertSummary(ctx context.Context, summary Summary) error
}

// Summary is the one-time end-of-session record.
type Summary struct {
	ChatID       string    `json:"chat_id"`
	SessionID    string    `json:"session_id"`
	Principal    string    `json:"principal"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	TurnCount    int       `json:"turn_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Info describes a conversation as seen by the caller after
// Create/CreateOrLoad.
type Info struct {
	ChatID      string `json:"chat_id"`
	SessionID   string `json:"session_id"`
	IsNew       bool   `json:"is_new"`
	TotalTokens int    `json:"total_tokens"`
	TurnCount   int    `json:"turn_count"`
}

// Options tunes cache behavior.
type Options struct {
	// AutoFlushInterval gates non-forced flushes: within the interval a
	// Flush(force=false) is a no-op, batching writes.
	AutoFlushInterval time.Duration
	// IdleTimeout is the inactivity span after which EvictIdle removes a
	// conversation (after a forced flush).
	IdleTimeout time.Duration
	Logger      *log.Logger
}

type conversation struct {
	// mu guards every field below. flushMu serializes flush and
	// end-of-session paths and is the only lock held across store I/O.
	mu      sync.Mutex
	flushMu sync.Mutex

	chatID    string
	principal string
	sessionID string

	createdAt    time.Time
	lastActivity time.Time
	lastFlush    time.Time

	turns  []Turn
	ledger Ledger

	// lastPersisted indexes into turns: everything before it has been
	// durably saved, everything at or after it is the unsaved set.
	lastPersisted    int
	metricsFinalized bool
}

// Cache holds one record per active conversation and owns batched
// persistence through the Store. Safe for concurrent use; unrelated
// conversations never contend on the same lock.
type Cache struct {
	mu    sync.RWMutex
	chats map[string]*conversation

	store  Store
	clock  clock.Clock
	opts   Options
	logger *log.Logger
}

// NewCache constructs a session cache around the given store and clock.
func NewCache(store Store, clk clock.Clock, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		chats:  make(map[string]*conversation),
		store:  store,
		clock:  clk,
		opts:   opts,
		logger: logger.With("component", "session"),
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Create registers a brand-new conversation, writing the chat row to the
// store first so the id exists durably before any turn does.
func (c *Cache) Create(ctx context.Context, principal string) (*Info, error) {
	chatID := newID("chat")
	sessionID := newID("session")
	now := c.clock.Now()

	if err := c.store.CreateConversation(ctx, chatID, principal, now); err != nil {
		return nil, &PersistenceError{Op: "create", Err: err}
	}

	conv := &conversation{
		chatID:       chatID,
		principal:    principal,
		sessionID:    sessionID,
		createdAt:    now,
		lastActivity: now,
		lastFlush:    now,
	}

	c.mu.Lock()
	c.chats[chatID] = conv
	c.mu.Unlock()

	c.logger.Info("chat created", "chat_id", chatID, "session_id", sessionID)
	return &Info{ChatID: chatID, SessionID: sessionID, IsNew: true}, nil
}

// CreateOrLoad returns the cached conversation or materializes it from
// the store by replaying persisted turns. Token totals are recomputed by
// summing per-turn token fields, never trusted from a denormalized
// counter. Returns ErrNotFound when the chat exists nowhere.
func (c *Cache) CreateOrLoad(ctx context.Context, chatID, principal string) (*Info, error) {
	if conv := c.lookup(chatID); conv != nil {
		conv.mu.Lock()
		defer conv.mu.Unlock()
		conv.lastActivity = c.clock.Now()
		c.logger.Debug("chat cache hit", "chat_id", chatID)
		return &Info{
			ChatID:      chatID,
			SessionID:   conv.sessionID,
			TotalTokens: conv.ledger.Total(),
			TurnCount:   len(conv.turns),
		}, nil
	}

	turns, err := c.store.LoadConversation(ctx, chatID, principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	now := c.clock.Now()
	conv := &conversation{
		chatID:        chatID,
		principal:     principal,
		sessionID:     newID("session"),
		createdAt:     now,
		lastActivity:  now,
		lastFlush:     now,
		turns:         turns,
		lastPersisted: len(turns),
	}
	for _, t := range turns {
		conv.ledger.Record(t.Role, t.Tokens, t.CreatedAt)
	}

	c.mu.Lock()
	// A concurrent load may have won; keep whichever is already cached.
	if existing, ok := c.chats[chatID]; ok {
		c.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return &Info{
			ChatID:      chatID,
			SessionID:   existing.sessionID,
			TotalTokens: existing.ledger.Total(),
			TurnCount:   len(existing.turns),
		}, nil
	}
	c.chats[chatID] = conv
	c.mu.Unlock()

	c.logger.Info("chat loaded", "chat_id", chatID,
		"turns", len(turns), "total_tokens", conv.ledger.Total())
	return &Info{
		ChatID:      chatID,
		SessionID:   conv.sessionID,
		TotalTokens: conv.ledger.Total(),
		TurnCount:   len(turns),
	}, nil
}

// AppendTurn records a turn in memory only; persistence happens on the
// next flush. The conversation must already be cached.
func (c *Cache) AppendTurn(chatID string, role Role, content string, tokens int) (string, error) {
	conv := c.lookup(chatID)
	if conv == nil {
		return "", fmt.Errorf("chat %s: %w", chatID, ErrUnknownConversation)
	}

	now := c.clock.Now()
	turn := Turn{
		ID:        newID("msg"),
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		CreatedAt: now,
	}

	conv.mu.Lock()
	conv.turns = append(conv.turns, turn)
	conv.ledger.Record(role, tokens, now)
	conv.lastActivity = now
	total := conv.ledger.Total()
	conv.mu.Unlock()

	c.logger.Debug("turn cached", "chat_id", chatID, "role", role,
		"tokens", tokens, "cumulative_total", total)
	return turn.ID, nil
}

// CheckBudget reports whether the conversation is still under the token
// budget. Pure read; enforcement is the caller's responsibility before
// spending an expensive model call.
func (c *Cache) CheckBudget(chatID string, maxTokens int) (bool, error) {
	conv := c.lookup(chatID)
	if conv == nil {
		return false, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.ledger.Total() < maxTokens, nil
}

// GetCachedMessages returns a copy of the in-memory turn log.
func (c *Cache) GetCachedMessages(chatID string) []Turn {
	conv := c.lookup(chatID)
	if conv == nil {
		return nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]Turn, len(conv.turns))
	copy(out, conv.turns)
	return out
}

// GetTokenStats returns the conversation's token accounting snapshot.
func (c *Cache) GetTokenStats(chatID string) (Usage, error) {
	conv := c.lookup(chatID)
	if conv == nil {
		return Usage{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.ledger.Snapshot(), nil
}

// Flush persists all unsaved turns in one batch and advances the
// persistence offset by the number actually written. Non-forced flushes
// are a no-op inside the auto-flush interval. On store failure the
// offset stays put, so the caller can retry without duplication.
func (c *Cache) Flush(ctx context.Context, chatID string, force bool) (int, error) {
	conv := c.lookup(chatID)
	if conv == nil {
		return 0, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	conv.flushMu.Lock()
	defer conv.flushMu.Unlock()
	return c.flushLocked(ctx, conv, force)
}

// flushLocked requires conv.flushMu held. It holds conv.mu only to
// snapshot the unsaved set and to advance the offset, never across the
// store call.
func (c *Cache) flushLocked(ctx context.Context, conv *conversation, force bool) (int, error) {
	now := c.clock.Now()

	conv.mu.Lock()
	if !force && now.Sub(conv.lastFlush) < c.opts.AutoFlushInterval {
		conv.mu.Unlock()
		return 0, nil
	}
	offset := conv.lastPersisted
	pending := make([]Turn, len(conv.turns)-offset)
	copy(pending, conv.turns[offset:])
	sessionID := conv.sessionID
	total := conv.ledger.Total()
	conv.mu.Unlock()

	if len(pending) == 0 {
		conv.mu.Lock()
		conv.lastFlush = now
		conv.mu.Unlock()
		return 0, nil
	}

	if err := c.store.SaveTurns(ctx, conv.chatID, sessionID, pending, total); err != nil {
		c.logger.Error("flush failed", "chat_id", conv.chatID,
			"pending", len(pending), "err", err)
		return 0, &PersistenceError{Op: "flush", Err: err}
	}

	conv.mu.Lock()
	conv.lastPersisted = offset + len(pending)
	conv.lastFlush = c.clock.Now()
	remaining := len(conv.turns) - conv.lastPersisted
	conv.mu.Unlock()

	c.logger.Info("chat flushed", "chat_id", conv.chatID,
		"persisted", len(pending), "still_pending", remaining)
	return len(pending), nil
}

// EndSession force-flushes and then persists the session summary exactly
// once; the metricsFinalized guard makes the second call a no-op. The
// conversation stays cached (finalized) until the idle sweep drops it.
func (c *Cache) EndSession(ctx context.Context, chatID string) error {
	conv := c.lookup(chatID)
	if conv == nil {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	conv.flushMu.Lock()
	defer conv.flushMu.Unlock()

	if _, err := c.flushLocked(ctx, conv, true); err != nil {
		return err
	}

	conv.mu.Lock()
	if conv.metricsFinalized {
		conv.mu.Unlock()
		c.logger.Debug("session already finalized", "chat_id", chatID)
		return nil
	}
	usage := conv.ledger.Snapshot()
	summary := Summary{
		ChatID:       conv.chatID,
		SessionID:    conv.sessionID,
		Principal:    conv.principal,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		TotalTokens:  usage.Total,
		TurnCount:    len(conv.turns),
		StartedAt:    conv.createdAt,
		EndedAt:      c.clock.Now(),
	}
	conv.mu.Unlock()

	if err := c.store.UpsertSummary(ctx, summary); err != nil {
		return &PersistenceError{Op: "summary", Err: err}
	}

	conv.mu.Lock()
	conv.metricsFinalized = true
	conv.mu.Unlock()

	c.logger.Info("session ended", "chat_id", chatID,
		"total_tokens", summary.TotalTokens, "turns", summary.TurnCount)
	return nil
}

// EvictIdle removes conversations idle past the timeout, flushing each
// one first; a conversation whose flush fails stays cached with its
// unsaved turns intact.
func (c *Cache) EvictIdle(ctx context.Context) int {
	now := c.clock.Now()

	c.mu.RLock()
	ids := make([]string, 0, len(c.chats))
	for id := range c.chats {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		conv := c.lookup(id)
		if conv == nil {
			continue
		}

		conv.mu.Lock()
		idle := now.Sub(conv.lastActivity) > c.opts.IdleTimeout
		conv.mu.Unlock()
		if !idle {
			continue
		}

		conv.flushMu.Lock()
		if _, err := c.flushLocked(ctx, conv, true); err != nil {
			conv.flushMu.Unlock()
			c.logger.Warn("eviction skipped, flush failed", "chat_id", id, "err", err)
			continue
		}

		// Re-check under the conversation lock: activity during the
		// flush keeps the conversation alive.
		conv.mu.Lock()
		stillIdle := now.Sub(conv.lastActivity) > c.opts.IdleTimeout
		conv.mu.Unlock()
		if stillIdle {
			c.mu.Lock()
			delete(c.chats, id)
			c.mu.Unlock()
			evicted++
			c.logger.Info("chat evicted", "chat_id", id)
		}
		conv.flushMu.Unlock()
	}
	return evicted
}

// FlushAll runs a flush over every cached conversation. Used by the
// background sweep (non-forced) and by shutdown (forced).
func (c *Cache) FlushAll(ctx context.Context, force bool) (int, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.chats))
	for id := range c.chats {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	persisted := 0
	var firstErr error
	for _, id := range ids {
		n, err := c.Flush(ctx, id, force)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		persisted += n
	}
	return persisted, firstErr
}

// Len reports the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chats)
}

func (c *Cache) lookup(chatID string) *conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chats[chatID]
}
