package session

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper is the single periodic maintenance task for the session cache:
// each tick it runs a non-forced flush pass (the auto-flush interval
// inside the cache decides which conversations actually write) and then
// evicts idle conversations. Started once at process start rather than
// piggybacking on request handling.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a sweeper over the cache with the given tick interval.
func NewSweeper(cache *Cache, interval time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to terminate it.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	persisted, err := s.cache.FlushAll(ctx, false)
	if err != nil {
		// Unsaved turns stay cached; the next tick retries.
		s.logger.Warn("flush pass incomplete", "persisted", persisted, "err", err)
	} else if persisted > 0 {
		s.logger.Debug("flush pass complete", "persisted", persisted)
	}

	if evicted := s.cache.EvictIdle(ctx); evicted > 0 {
		s.logger.Info("idle conversations evicted", "count", evicted)
	}
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
