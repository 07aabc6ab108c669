// Package storage persists conversations, session summaries, and
// metric events in SQLite via libsql. It is the durable side of the
// in-memory caches; nothing here is hot-path.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/ledgerdesk/ledgerdesk/internal/metrics"
	"github.com/ledgerdesk/ledgerdesk/internal/session"
)

// Store implements session.Store and metrics.Store over one SQLite
// database.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates the database file (and parent directory) if needed and
// initializes the schema.
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "storage")}
	// The libsql driver silently ignores everything after the first
	// statement in a multi-statement Exec, so apply the schema one
	// statement at a time.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	s.logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts the chat row a conversation's turns hang
// off of.
func (s *Store) CreateConversation(ctx context.Context, chatID, principal string, at time.Time) error {
	query := `INSERT INTO chats (chat_id, principal, created_at, updated_at)
	          VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, chatID, principal, at, at); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// LoadConversation replays all persisted turns in chronological order.
// Returns session.ErrNotFound when the chat does not exist or belongs
// to another principal.
func (s *Store) LoadConversation(ctx context.Context, chatID, principal string) ([]session.Turn, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT principal FROM chats WHERE chat_id = ?`, chatID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != principal) {
		return nil, fmt.Errorf("chat %s: %w", chatID, session.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tokens, created_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY rowid ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var t session.Turn
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &t.Tokens, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return turns, nil
}

// SaveTurns persists a batch of turns and advances the chat's running
// totals in one transaction. A partial write rolls back entirely so the
// caller's persistence offset stays put.
func (s *Store) SaveTurns(ctx context.Context, chatID, sessionID string, turns []session.Turn, cumulativeTotal int) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO messages (id, chat_id, session_id, role, content, tokens, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, insert,
			t.ID, chatID, sessionID, string(t.Role), t.Content, t.Tokens, t.CreatedAt); err != nil {
			return fmt.Errorf("failed to save message %s: %w", t.ID, err)
		}
	}

	update := `UPDATE chats
	           SET message_count = message_count + ?,
	               total_tokens = ?,
	               updated_at = ?
	           WHERE chat_id = ?`
	last := turns[len(turns)-1]
	if _, err := tx.ExecContext(ctx, update, len(turns), cumulativeTotal, last.CreatedAt, chatID); err != nil {
		return fmt.Errorf("failed to update chat totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn batch: %w", err)
	}

	s.logger.Debug("turn batch saved", "chat_id", chatID,
		"count", len(turns), "cumulative_tokens", cumulativeTotal)
	return nil
}

// UpsertSummary writes the end-of-session summary keyed by
// (chat_id, session_id); repeated calls overwrite, never duplicate.
func (s *Store) UpsertSummary(ctx context.Context, summary session.Summary) error {
	query := `INSERT INTO session_summaries
	          (chat_id, session_id, principal, input_tokens, output_tokens, total_tokens, turn_count, started_at, ended_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(chat_id, session_id) DO UPDATE SET
	              input_tokens = excluded.input_tokens,
	              output_tokens = excluded.output_tokens,
	              total_tokens = excluded.total_tokens,
	              turn_count = excluded.turn_count,
	              ended_at = excluded.ended_at`

	_, err := s.db.ExecContext(ctx, query,
		summary.ChatID, summary.SessionID, summary.Principal,
		summary.InputTokens, summary.OutputTokens, summary.TotalTokens,
		summary.TurnCount, summary.StartedAt, summary.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session summary: %w", err)
	}
	return nil
}

// SaveEvents persists a batch of metric events in one transaction.
func (s *Store) SaveEvents(ctx context.Context, chatID string, events []metrics.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO metric_events (chat_id, metric_type, metric_data, created_at)
	           VALUES (?, ?, ?, ?)`
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal metric event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, chatID, string(e.Kind), string(payload), e.At); err != nil {
			return fmt.Errorf("failed to save metric event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric batch: %w", err)
	}
	return nil
}

// ConversationSummary is one row of a principal's conversation list.
type ConversationSummary struct {
	ChatID       string    `json:"chat_id"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	LastMessage  string    `json:"last_message"`
}

// ListConversations returns a principal's conversations, most recently
// updated first, each with its latest user message as a preview.
func (s *Store) ListConversations(ctx context.Context, principal string, limit, offset int) ([]ConversationSummary, error) {
	query := `
		SELECT c.chat_id, c.updated_at, c.message_count, c.total_tokens,
		       COALESCE(m.content, '') AS last_message
		FROM chats c
		LEFT JOIN (
			SELECT DISTINCT chat_id,
			       FIRST_VALUE(content) OVER (PARTITION BY chat_id ORDER BY rowid DESC) AS content
			FROM messages
			WHERE role = 'user'
		) m ON c.chat_id = m.chat_id
		WHERE c.principal = ?
		ORDER BY c.updated_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, principal, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var lastMessage sql.NullString
		if err := rows.Scan(&c.ChatID, &c.UpdatedAt, &c.MessageCount, &c.TotalTokens, &lastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.LastMessage = lastMessage.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// RunQuery executes an arbitrary read-only query and returns the rows
// as generic maps, the shape the offload store chunks.
func (s *Store) RunQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Stats reports row counts for observability endpoints.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)
	for table, key := range map[string]string{
		"chats":             "chats",
		"messages":          "messages",
		"session_summaries": "session_summaries",
		"metric_events":     "metric_events",
	} {
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[key] = count
	}

	var totalTokens sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT SUM(total_tokens) FROM chats").Scan(&totalTokens); err != nil {
		return nil, fmt.Errorf("failed to sum tokens: %w", err)
	}
	stats["total_tokens"] = totalTokens.Int64
	return stats, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    chat_id TEXT PRIMARY KEY,
    principal TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS session_summaries (
    chat_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    principal TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    turn_count INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NOT NULL,
    PRIMARY KEY (chat_id, session_id)
);

CREATE TABLE IF NOT EXISTS metric_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id TEXT NOT NULL,
    metric_type TEXT NOT NULL,
    metric_data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_principal ON chats(principal, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_metric_events_chat_id ON metric_events(chat_id);
`
