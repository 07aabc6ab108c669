// Package ratelimit provides per-identity, per-operation admission
// control over a sliding time window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ledgerdesk/ledgerdesk/internal/clock"
)

// Policy is one (limit, window) pair for an operation class.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config maps operation classes to policies. Unconfigured classes fall
// back to Default.
type Config struct {
	Default    Policy
	Operations map[string]Policy
}

// Result reports the outcome of one admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimitedError carries the retry window for a rejected request.
type RateLimitedError struct {
	Key        string
	Operation  string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s: limit %d, retry after %s",
		e.Key, e.Operation, e.Limit, e.RetryAfter)
}

// OpStats is the diagnostic view of one operation's current window.
type OpStats struct {
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

type entry struct {
	at     time.Time
	weight int
}

// keyWindows holds all operation windows for one key behind one lock,
// so check-then-append is atomic per key.
type keyWindows struct {
	mu  sync.Mutex
	ops map[string][]entry
}

// Limiter is a sliding-window rate limiter. The window trails
// continuously; it never resets sharply at interval boundaries. Safe
// for concurrent use, with unrelated keys proceeding without
// contention.
type Limiter struct {
	mu   sync.RWMutex
	keys map[string]*keyWindows

	cfg    Config
	clock  clock.Clock
	logger *log.Logger
}

// New builds a Limiter from the given policies.
func New(cfg Config, clk clock.Clock, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Limiter{
		keys:   make(map[string]*keyWindows),
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "ratelimit"),
	}
}

// Policy resolves the effective policy for an operation class.
func (l *Limiter) Policy(operation string) Policy {
	if p, ok := l.cfg.Operations[operation]; ok {
		return p
	}
	return l.cfg.Default
}

// Check evicts entries older than the operation's window, sums the
// remaining weights, and compares against the limit. When over limit it
// reports a retry-after derived from the oldest entry's age. When
// allowed and increment is set, it records the request before
// returning. The whole sequence holds the key's lock, so two concurrent
// requests can never both take the last slot.
func (l *Limiter) Check(key, operation string, increment bool) Result {
	policy := l.Policy(operation)
	now := l.clock.Now()

	kw := l.windowsFor(key)
	kw.mu.Lock()
	defer kw.mu.Unlock()

	entries := evict(kw.ops[operation], now, policy.Window)
	count := 0
	for _, e := range entries {
		count += e.weight
	}

	if count >= policy.Limit {
		retryAfter := policy.Window
		if len(entries) > 0 {
			retryAfter = policy.Window - now.Sub(entries[0].at)
		}
		kw.ops[operation] = entries

		l.logger.Warn("rate limit exceeded", "key", key,
			"operation", operation, "count", count,
			"limit", policy.Limit, "retry_after", retryAfter)
		return Result{
			Allowed:    false,
			Limit:      policy.Limit,
			Remaining:  0,
			Reset:      now.Add(retryAfter),
			RetryAfter: retryAfter,
		}
	}

	remaining := policy.Limit - count
	if increment {
		entries = append(entries, entry{at: now, weight: 1})
		remaining--
	}
	kw.ops[operation] = entries

	return Result{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: remaining,
		Reset:     now.Add(policy.Window),
	}
}

// Stats reports the current window occupancy per operation class for
// one key. Read-only apart from lazy eviction.
func (l *Limiter) Stats(key string) map[string]OpStats {
	l.mu.RLock()
	kw := l.keys[key]
	l.mu.RUnlock()
	if kw == nil {
		return map[string]OpStats{}
	}

	now := l.clock.Now()
	kw.mu.Lock()
	defer kw.mu.Unlock()

	stats := make(map[string]OpStats, len(kw.ops))
	for operation, entries := range kw.ops {
		policy := l.Policy(operation)
		entries = evict(entries, now, policy.Window)
		kw.ops[operation] = entries

		count := 0
		for _, e := range entries {
			count += e.weight
		}
		stats[operation] = OpStats{
			Count:  count,
			Limit:  policy.Limit,
			Window: policy.Window,
		}
	}
	return stats
}

func (l *Limiter) windowsFor(key string) *keyWindows {
	l.mu.RLock()
	kw := l.keys[key]
	l.mu.RUnlock()
	if kw != nil {
		return kw
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if kw = l.keys[key]; kw == nil {
		kw = &keyWindows{ops: make(map[string][]entry)}
		l.keys[key] = kw
	}
	return kw
}

func evict(entries []entry, now time.Time, window time.Duration) []entry {
	cutoff := now.Add(-window)
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
