package session

import "time"

// Role tags a turn as coming from the end user or the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message within a conversation. Tokens are the
// counts attributed to this specific turn, never recomputed from content.
type Turn struct {
	ID        string    `json:"message_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry records one turn's contribution to the running totals.
type LedgerEntry struct {
	Role       Role      `json:"role"`
	Tokens     int       `json:"tokens"`
	Cumulative int       `json:"cumulative_total"`
	At         time.Time `json:"timestamp"`
}

// Usage is a point-in-time snapshot of a conversation's token accounting.
type Usage struct {
	Input  int           `json:"input"`
	Output int           `json:"output"`
	Total  int           `json:"total"`
	ByTurn []LedgerEntry `json:"by_turn"`
}

// Ledger accumulates input/output token counts per conversation. It does
// no I/O and is not safe for concurrent use; the owning conversation's
// lock covers it.
//
// Keeping a running sum here is deliberate: the budget check compares
// against the cumulative total rather than re-scanning stored messages,
// so it is exact even when only part of the history is in memory.
type Ledger struct {
	input   int
	output  int
	history []LedgerEntry
}

// Record adds tokens to the input total for user turns and the output
// total for assistant turns, and appends a history entry. Always succeeds.
func (l *Ledger) Record(role Role, tokens int, at time.Time) {
	switch role {
	case RoleAssistant:
		l.output += tokens
	default:
		l.input += tokens
	}
	l.history = append(l.history, LedgerEntry{
		Role:       role,
		Tokens:     tokens,
		Cumulative: l.input + l.output,
		At:         at,
	})
}

// Total returns the cumulative token count across both directions.
func (l *Ledger) Total() int { return l.input + l.output }

// Snapshot returns a copy of the totals and per-turn history.
func (l *Ledger) Snapshot() Usage {
	history := make([]LedgerEntry, len(l.history))
	copy(history, l.history)
	return Usage{
		Input:  l.input,
		Output: l.output,
		Total:  l.input + l.output,
		ByTurn: history,
	}
}
