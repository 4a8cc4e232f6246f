package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reprise-dev/reprise/internal/agent"
	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/expressions"
	"github.com/reprise-dev/reprise/internal/logging"
	"github.com/reprise-dev/reprise/internal/scheduler"
	"github.com/reprise-dev/reprise/internal/server"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/internal/tools"
	"github.com/reprise-dev/reprise/internal/validation"
	"github.com/reprise-dev/reprise/internal/worker"
	"github.com/reprise-dev/reprise/pkg/mcp"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(mode, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

func run(mode string, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	compiler, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("build expression engine: %w", err)
	}

	runner := engine.NewRunner(st, reg, compiler, engine.Options{
		MaxParallel: cfg.MaxParallel,
		Logger:      logger,
	})
	defer runner.Shutdown()

	switch mode {
	case "serve":
		return serve(ctx, cfg, logger, st, reg, compiler, runner)
	case "mcp":
		logger.Info("starting mcp stdio server")
		return mcp.NewServer(mcp.ServerDeps{Runner: runner, Store: st, Logger: logger}).Serve(ctx)
	default:
		return fmt.Errorf("unknown mode %q (expected serve or mcp)", mode)
	}
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger, st store.Store, reg *tools.Registry, compiler *expressions.CELEngine, runner *engine.Runner) error {
	validator, err := validation.NewWorkflowValidator(reg, compiler)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	sched := scheduler.New(st, runner, scheduler.Options{
		Interval: durationOr(cfg.SchedulerInterval, 60*time.Second),
		Logger:   logger,
	})
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed scheduled jobs", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	w := worker.New(st, runner, worker.Options{
		PollInterval: durationOr(cfg.PollInterval, 5*time.Second),
		Staleness:    durationOr(cfg.Staleness, 30*time.Second),
		Logger:       logger,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Stop()

	loop := agent.NewLoop(runner, agent.LoopOptions{
		Memory: agent.NewMemoryBuffer(0),
		Logger: logger,
	})

	api := server.New(server.Deps{
		Store:     st,
		Runner:    runner,
		Agent:     loop,
		Validator: validator,
		Cron:      sched,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("job api listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
