// Package window bounds the conversation history handed to the language
// model for one turn. The underlying log is never truncated; only the
// view is.
package window

import (
	"github.com/charmbracelet/log"

	"github.com/ledgerdesk/ledgerdesk/internal/session"
)

// Strategy names for Config.Strategy.
const (
	StrategyFixed    = "fixed"
	StrategyAdaptive = "adaptive"
)

// Estimator approximates the token cost of one message's content.
type Estimator func(content string) int

// EstimateTokens is the default estimator: length/4 is a cheap proxy
// when no exact tokenizer is available.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// Config selects and parameterizes a windowing strategy.
type Config struct {
	// Strategy is "fixed" or "adaptive". Anything else falls back to
	// adaptive.
	Strategy string

	// Size caps the window at the last N messages under both strategies.
	Size int

	// MaxTokens bounds the accumulated estimated token cost under the
	// adaptive strategy.
	MaxTokens int

	// MinSize guarantees at least this many messages even past the
	// token budget. Continuity beats strict budget adherence at the
	// margin.
	MinSize int

	// Estimator overrides EstimateTokens when set.
	Estimator Estimator
}

// Windower applies a configured strategy at read time. Stateless apart
// from its config; safe for concurrent use.
type Windower struct {
	cfg    Config
	logger *log.Logger
}

// New builds a Windower. A nil logger falls back to the package default.
func New(cfg Config, logger *log.Logger) *Windower {
	if cfg.Estimator == nil {
		cfg.Estimator = EstimateTokens
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Windower{cfg: cfg, logger: logger.With("component", "window")}
}

// Apply bounds msgs per the configured strategy. The returned slice is
// a copy in original chronological order.
func (w *Windower) Apply(msgs []session.Turn) []session.Turn {
	var out []session.Turn
	switch w.cfg.Strategy {
	case StrategyFixed:
		out = fixed(msgs, w.cfg.Size)
	default:
		out = w.adaptive(msgs)
	}
	if len(out) < len(msgs) {
		w.logger.Debug("history windowed", "strategy", w.cfg.Strategy,
			"original", len(msgs), "windowed", len(out))
	}
	return out
}

func fixed(msgs []session.Turn, n int) []session.Turn {
	if n <= 0 || len(msgs) <= n {
		return append([]session.Turn(nil), msgs...)
	}
	return append([]session.Turn(nil), msgs[len(msgs)-n:]...)
}

// adaptive walks newest to oldest, accumulating estimated token cost,
// and stops at Size messages or past MaxTokens — but never before
// MinSize messages are kept. A message that lands exactly on the budget
// is included.
func (w *Windower) adaptive(msgs []session.Turn) []session.Turn {
	var selected []session.Turn
	total := 0

	for i := len(msgs) - 1; i >= 0; i-- {
		if w.cfg.Size > 0 && len(selected) >= w.cfg.Size {
			break
		}

		cost := w.cfg.Estimator(msgs[i].Content)
		if w.cfg.MaxTokens > 0 && total+cost > w.cfg.MaxTokens &&
			len(selected) >= w.cfg.MinSize {
			break
		}

		selected = append(selected, msgs[i])
		total += cost
	}

	// Selection ran newest-first; flip back to chronological order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}
