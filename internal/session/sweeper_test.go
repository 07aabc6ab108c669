package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperFlushesAndEvicts(t *testing.T) {
	store := newFakeStore()
	cache, clk := newTestCache(store)

	info, err := cache.Create(context.Background(), "alice")
	require.NoError(t, err)
	cache.AppendTurn(info.ChatID, RoleUser, "q1", 5)

	// Make the conversation both flush-due and idle.
	clk.Advance(2 * time.Hour)

	sweeper := NewSweeper(cache, 10*time.Millisecond, nil)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		return store.persistedCount(info.ChatID) == 1 && cache.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweeperStops(t *testing.T) {
	cache, _ := newTestCache(newFakeStore())
	sweeper := NewSweeper(cache, time.Millisecond, nil)
	sweeper.Start(context.Background())
	sweeper.Stop() // must not hang
}
