package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ledgerdesk/ledgerdesk/internal/api"
	"github.com/ledgerdesk/ledgerdesk/internal/clock"
	"github.com/ledgerdesk/ledgerdesk/internal/config"
	"github.com/ledgerdesk/ledgerdesk/internal/metrics"
	"github.com/ledgerdesk/ledgerdesk/internal/offload"
	"github.com/ledgerdesk/ledgerdesk/internal/ratelimit"
	"github.com/ledgerdesk/ledgerdesk/internal/session"
	"github.com/ledgerdesk/ledgerdesk/internal/storage"
	"github.com/ledgerdesk/ledgerdesk/internal/window"
)

func main() {
	var (
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		configPath = flag.String("config", "", "Path to configuration file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "ledgerdesk",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "err", err)
	}
	if *debug {
		logger.SetLevel(log.DebugLevel)
	} else if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Fatal("failed to resolve home directory", "err", err)
		}
		dbPath = filepath.Join(home, ".ledgerdesk", "ledgerdesk.db")
	}

	store, err := storage.Open(dbPath, logger)
	if err != nil {
		logger.Fatal("failed to open store", "err", err)
	}
	defer store.Close()

	clk := clock.System()

	cache := session.NewCache(store, clk, session.Options{
		AutoFlushInterval: cfg.Session.AutoFlushInterval,
		IdleTimeout:       cfg.Session.IdleTimeout,
		Logger:            logger,
	})

	limiterCfg := ratelimit.Config{
		Default: ratelimit.Policy{
			Limit:  cfg.RateLimit.Default.Limit,
			Window: cfg.RateLimit.Default.Window,
		},
		Operations: make(map[string]ratelimit.Policy, len(cfg.RateLimit.Operations)),
	}
	for op, p := range cfg.RateLimit.Operations {
		limiterCfg.Operations[op] = ratelimit.Policy{Limit: p.Limit, Window: p.Window}
	}

	metricsMgr := metrics.NewManager(store, clk, cfg.Metrics.PushInterval, logger)

	server := api.NewServer(api.Deps{
		Config:  cfg,
		Cache:   cache,
		Offload: offload.New(cfg.Offload.ChunkSize, clk, logger),
		Windower: window.New(window.Config{
			Strategy:  cfg.Window.Strategy,
			Size:      cfg.Window.Size,
			MaxTokens: cfg.Window.MaxWindowTokens,
			MinSize:   cfg.Window.MinWindowSize,
		}, logger),
		Limiter:   ratelimit.New(limiterCfg, clk, logger),
		Metrics:   metricsMgr,
		Store:     store,
		Responder: &placeholderResponder{},
		Clock:     clk,
		Logger:    logger,
	})

	sweeper := session.NewSweeper(cache, cfg.Session.SweepInterval, logger)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper.Start(sweepCtx)

	fmt.Printf("ledgerdesk listening on %s\n", cfg.Server.Addr)
	fmt.Printf("health: http://localhost%s/api/v1/health\n", cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("server stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cancelSweep()
	sweeper.Stop()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "err", err)
	}

	// Forced final flush: nothing cached may be lost on shutdown.
	if n, err := cache.FlushAll(shutdownCtx, true); err != nil {
		logger.Error("final flush failed", "flushed", n, "err", err)
	} else if n > 0 {
		logger.Info("final flush complete", "turns", n)
	}
	if n, err := metricsMgr.PushAll(shutdownCtx, true); err != nil {
		logger.Error("final metrics push failed", "pushed", n, "err", err)
	}
}

// placeholderResponder stands in for the language-model integration. It
// acknowledges the message and reports estimated token costs so the
// ledger and budget paths behave as they will in production.
type placeholderResponder struct{}

func (placeholderResponder) Respond(_ context.Context, _ string, _ []session.Turn, message string) (*api.Reply, error) {
	content := "Received: " + strings.TrimSpace(message)
	return &api.Reply{
		Content:      content,
		Model:        "placeholder",
		InputTokens:  window.EstimateTokens(message),
		OutputTokens: window.EstimateTokens(content),
	}, nil
}
