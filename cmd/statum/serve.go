package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/statum/internal/actions"
	"github.com/rendis/statum/internal/archive"
	"github.com/rendis/statum/internal/engine"
	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/internal/logging"
	"github.com/rendis/statum/internal/panel"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/internal/scheduler"
	"github.com/rendis/statum/internal/store"
	"github.com/rendis/statum/internal/validation"
	"github.com/rendis/statum/pkg/mcp"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.DefinitionsDir, "definitions", cfg.DefinitionsDir, "directory of definition files to load at startup")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.BusDriver, "bus", cfg.BusDriver, "event bus: memory or redis")
	fs.StringVar(&cfg.ArchiveURL, "archive-url", cfg.ArchiveURL, "blob bucket URL for finished instances")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "operator panel listen address, e.g. 127.0.0.1:8420")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// stdout carries the MCP protocol.
	logger := logging.New(os.Stderr, level)
	slog.SetDefault(logger)

	if err := serve(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("statum stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// app is a fully wired statum runtime.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	bus      eventbus.Bus
	registry *registry.Registry
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	archive  *archive.Archiver
	mcp      *mcp.Server
	panel    *panel.Server

	closers []func()
}

// newApp opens storage and the bus, loads definitions and starts the
// background components. close releases everything in reverse order.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Store.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	libsql, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st := store.NewRetrying(libsql, store.DefaultRetryPolicy(), logger)
	a.store = st
	a.onClose(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Event bus.
	bus, closeBus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.bus = bus
	a.onClose(closeBus)

	// Definitions.
	callbacks := actions.NewCallbacks()
	validator, err := validation.NewWorkflowValidator(callbacks)
	if err != nil {
		return nil, err
	}
	reg := registry.New(st, validator, logger)
	var report *registry.Report
	if cfg.DefinitionsDir != "" {
		report, err = reg.LoadFiles(ctx, cfg.DefinitionsDir)
	} else {
		report, err = reg.Load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	logReport(logger, report)
	a.registry = reg

	// Engine.
	timeout, _ := cfg.webhookTimeout()
	executor := actions.NewExecutor(actions.Config{
		Publisher:      bus,
		Callbacks:      callbacks,
		Breakers:       actions.NewBreakers(actions.DefaultBreakerConfig()),
		DefaultTimeout: timeout,
		Logger:         logger,
	})
	eng, err := engine.New(engine.Deps{
		Definitions: reg,
		Store:       st,
		Bus:         bus,
		Actions:     executor,
		Validator:   validator,
		Logger:      logger,
		CacheSize:   cfg.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	a.engine = eng

	// Cron triggers follow every registry reload.
	every, _ := cfg.scheduleEvery()
	sched := scheduler.New(reg, eng, scheduler.Config{Interval: every, Logger: logger})
	sched.Sync()
	reg.OnReload(sched.Sync)
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	a.sched = sched
	a.onClose(func() { _ = sched.Stop() })

	listener := engine.NewCommandListener(eng, bus, cfg.CommandWorkers, logger)
	if err := listener.Start(ctx); err != nil {
		return nil, err
	}
	a.onClose(listener.Stop)

	if cfg.ArchiveURL != "" {
		arc, err := archive.Open(ctx, cfg.ArchiveURL, cfg.ArchivePrefix, st, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = arc.Close() })
		if err := arc.Start(ctx, bus); err != nil {
			return nil, err
		}
		a.archive = arc
		a.onClose(arc.Stop)
	}

	// MCP surface.
	watchers := mcp.NewWatchers()
	deps := mcp.ServerDeps{
		Workflows:   eng,
		Definitions: reg,
		Watchers:    watchers,
		Logger:      logger,
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	a.mcp = mcp.NewServer(deps)

	notifier := mcp.NewNotifier(a.mcp.MCPServer(), watchers, logger)
	if err := notifier.Start(ctx, bus); err != nil {
		return nil, err
	}
	a.onClose(notifier.Stop)

	a.panel = panel.NewServer(panel.Deps{
		Workflows:   eng,
		Definitions: reg,
		Jobs:        sched,
		Bus:         bus,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close stops components in reverse start order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.panel.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("panel listening", slog.String("addr", cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("panel stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("statum serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.String("bus", cfg.BusDriver),
		slog.Int("definitions", len(a.registry.Definitions())),
	)
	return a.mcp.Serve(ctx)
}

// openBus returns the configured bus and a func that closes it along with
// any client it owns.
func openBus(ctx context.Context, cfg Config, logger *slog.Logger) (eventbus.Bus, func(), error) {
	if cfg.BusDriver != "redis" {
		bus := eventbus.NewMemoryBus(logger)
		return bus, func() { _ = bus.Close() }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	bus := eventbus.NewRedisBus(client, cfg.RedisPrefix, logger)
	return bus, func() {
		_ = bus.Close()
		_ = client.Close()
	}, nil
}

func logReport(logger *slog.Logger, report *registry.Report) {
	for _, rej := range report.Rejected {
		logger.Warn("definition rejected",
			slog.String("source", rej.Source),
			slog.String("workflow_id", rej.WorkflowID),
			slog.Int("version", rej.Version),
			slog.Any("error", rej.Err),
		)
	}
	for _, w := range report.Warnings {
		logger.Warn("definition warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	logger.Info("definitions loaded",
		slog.Int("loaded", len(report.Loaded)),
		slog.Int("retired", len(report.Retired)),
		slog.Int("rejected", len(report.Rejected)),
	)
}
