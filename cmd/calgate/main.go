// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/olegiv/calgate/internal/calendar"
	"github.com/olegiv/calgate/internal/config"
	"github.com/olegiv/calgate/internal/handler/api"
	"github.com/olegiv/calgate/internal/logging"
	"github.com/olegiv/calgate/internal/scheduler"
	"github.com/olegiv/calgate/internal/service"
	"github.com/olegiv/calgate/internal/store"
	"github.com/olegiv/calgate/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

func main() {
	// Parse CLI flags
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")
	syncOnce := flag.Bool("sync-once", false, "Run a single sync tick and exit")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "calgate - safe external calendar source gate\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_TRIGGER_SECRET       Bearer secret for POST /internal/sync (required, min 32 bytes)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_DB_PATH              SQLite database path (default: ./data/calgate.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_SERVER_PORT          Server port (default: 8080)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_ENV                  Environment: development|production (default: development)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_SYNC_SCHEDULE        Cron spec for in-process ticks, empty disables (default: */5 * * * *)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_REDIS_URL            Redis URL for the cross-instance tick lock (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_EXTRA_ALLOWED_PORTS  Comma-separated ports allowed besides 80/443 (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CALGATE_TRUST_PROXY          Take client IPs from proxy headers (default: false)\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if *showVersion {
		_, _ = fmt.Println(buildInfo())
		os.Exit(0)
	}

	if err := run(*syncOnce); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run(syncOnce bool) error {
	// Load .env files if present (development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	versionInfo := buildInfo()

	logLevel := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	slog.Info("initializing database", "path", cfg.DBPath)
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database connection", "error", err)
		}
	}()

	slog.Info("running database migrations")
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Upgrade logger to also write WARN and ERROR logs to the event log
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger = slog.New(logging.NewEventLogHandler(textHandler, db))
	slog.SetDefault(logger)
	slog.Info("event log integration enabled", "min_level", "warn")

	// Gate components
	guard := calendar.NewGuard(net.DefaultResolver, calendar.GuardConfig{
		ExtraAllowedPorts: cfg.ExtraAllowedPorts,
	})
	gate := calendar.NewGate(db, logger)
	fetcher := calendar.NewFetcher(guard, gate, calendar.NewHTTPClient(net.DefaultResolver), calendar.FetchPolicy{
		MaxRedirects:     cfg.MaxRedirects,
		MaxResponseBytes: cfg.MaxResponseBytes,
		Timeout:          cfg.FetchTimeout,
	})
	calendars := service.NewCalendarService(db, guard, gate, cfg.SyncDefaultInterval, logger)

	syncer := scheduler.NewSyncer(db, fetcher, gate, scheduler.DiscardSink{}, scheduler.SyncConfig{
		Workers:         cfg.SyncWorkers,
		BatchSize:       cfg.SyncBatchSize,
		ClaimLease:      cfg.ClaimLease,
		DefaultInterval: cfg.SyncDefaultInterval,
	}, logger)

	lock, closeLock, err := newTickLock(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	sched := scheduler.New(syncer, lock, logger)

	if syncOnce {
		result, err := sched.Tick(context.Background())
		if err != nil {
			return fmt.Errorf("sync tick: %w", err)
		}
		slog.Info("sync tick finished",
			"due", result.Due,
			"claimed", result.Claimed,
			"succeeded", result.Succeeded,
			"failed", result.Failed)
		return nil
	}

	if err := sched.RegisterEventCleanup(store.New(db), cfg.EventRetention); err != nil {
		return fmt.Errorf("registering event cleanup: %w", err)
	}
	if err := sched.Start(cfg.SyncSchedule); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "schedule", cfg.SyncSchedule, "workers", cfg.SyncWorkers)

	routerCfg := api.DefaultRouterConfig()
	routerCfg.TriggerSecret = cfg.TriggerSecret
	routerCfg.TriggerMinInterval = cfg.TriggerRate
	routerCfg.IsDevelopment = cfg.IsDevelopment()
	routerCfg.TrustProxyHeaders = cfg.TrustProxy

	h := api.NewHandler(db, calendars, sched, versionInfo, logger)

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           h.Routes(routerCfg),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// A triggered tick runs inside the request.
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func buildInfo() version.Info {
	return version.Info{
		Version:   appVersion,
		GitCommit: appGitCommit,
		BuildTime: appBuildTime,
	}
}

// newTickLock picks the Redis lock when configured and the in-process lock
// otherwise. The returned close func is always safe to call.
func newTickLock(cfg *config.Config, logger *slog.Logger) (scheduler.TickLock, func(), error) {
	if !cfg.UseRedisLock() {
		slog.Info("tick lock: in-process")
		return &scheduler.LocalLock{}, func() {}, nil
	}

	lock, err := scheduler.NewRedisLock(context.Background(), scheduler.RedisLockOptions{
		URL: cfg.RedisURL,
		Key: cfg.LockKey,
		TTL: cfg.LockTTL,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting tick lock to redis: %w", err)
	}
	slog.Info("tick lock: redis", "key", cfg.LockKey, "ttl", cfg.LockTTL)
	return lock, func() {
		if err := lock.Close(); err != nil {
			slog.Error("error closing redis lock", "error", err)
		}
	}, nil
}
