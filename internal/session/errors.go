package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the chat id is neither cached nor persisted.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnknownConversation means AppendTurn was called before
	// CreateOrLoad. This is a contract violation, not something the
	// cache heals by fabricating an empty session.
	ErrUnknownConversation = errors.New("conversation not cached; call CreateOrLoad first")
)

// PersistenceError wraps a failure from the backing store. The flush
// offset never advances past a PersistenceError, so retrying is safe.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
