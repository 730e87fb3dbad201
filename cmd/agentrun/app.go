package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/agents"
	"github.com/kandev/agentrun/internal/common/config"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/common/tracing"
	"github.com/kandev/agentrun/internal/eventlog"
	"github.com/kandev/agentrun/internal/eventmux"
	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/executor"
	"github.com/kandev/agentrun/internal/procreg"
	"github.com/kandev/agentrun/internal/ptysession"
	"github.com/kandev/agentrun/internal/worktree"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	bus       bus.EventBus
	events    eventlog.Store
	registry  *procreg.Registry
	sessions  *ptysession.Manager
	worktrees *worktree.Managers
	executor  *executor.Executor
	mux       *eventmux.Multiplexer

	stopTracing func(context.Context) error
	cleanups    []func() error
}

// newApp loads configuration and builds every component.
func newApp() (*app, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	a := &app{cfg: cfg, log: log}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	cfg, log := a.cfg, a.log

	stopTracing, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.stopTracing = stopTracing
	if cfg.Tracing.Endpoint != "" {
		log.Info("Exporting traces", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	eventBus, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	a.bus = eventBus
	a.cleanups = append(a.cleanups, cleanup)

	store, err := eventlog.Provide(cfg.EventLog, log)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	a.events = store
	a.cleanups = append(a.cleanups, store.Close)

	a.registry = procreg.New(procreg.Config{
		PidFile:          cfg.Registry.PidFile,
		TerminateTimeout: cfg.Registry.TerminateTimeoutDuration(),
		LockTimeout:      cfg.Registry.LockAcquireTimeoutDuration(),
	}, log)

	a.sessions = ptysession.NewManager(ptysession.Config{
		DefaultCols:      uint16(cfg.PTY.Cols),
		DefaultRows:      uint16(cfg.PTY.Rows),
		HistorySize:      cfg.PTY.HistorySize,
		SubscriberSize:   cfg.PTY.SubscriberSize,
		TerminateTimeout: cfg.Registry.TerminateTimeoutDuration(),
	}, a.registry, log)

	worktrees, cleanup, err := worktree.Provide(cfg.Worktree, log)
	if err != nil {
		return fmt.Errorf("failed to initialize worktrees: %w", err)
	}
	a.worktrees = worktrees
	a.cleanups = append(a.cleanups, cleanup)

	catalog := agents.NewCatalog(cfg.Executor.MockAgentPath)
	if cfg.Executor.ProvidersFile != "" {
		path := config.ExpandHome(cfg.Executor.ProvidersFile)
		if err := catalog.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load providers file %s: %w", path, err)
		}
		log.Info("Loaded provider overrides", zap.String("path", path), zap.Strings("providers", catalog.Names()))
	}

	a.executor, err = executor.NewExecutor(executor.ConfigFrom(cfg), executor.Dependencies{
		Sessions:  a.sessions,
		Processes: a.registry,
		Worktrees: worktrees,
		Catalog:   catalog,
		Accounts:  agents.AccountsFromConfig(cfg.Accounts),
		EventLog:  store,
		Bus:       eventBus,
	}, log)
	if err != nil {
		return err
	}

	a.mux = eventmux.New(eventmux.Config{
		PingInterval: cfg.Mux.PingIntervalDuration(),
		PollInterval: cfg.Mux.PollIntervalDuration(),
	}, store, a.sessions, log)
	return nil
}

// shutdown stops running tasks, sweeps any process left behind and closes
// the stores.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.executor != nil {
		if err := a.executor.Shutdown(ctx); err != nil {
			a.log.Warn("executor shutdown incomplete", zap.Error(err))
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Shutdown(ctx); err != nil {
			a.log.Warn("pty sessions still running at shutdown", zap.Error(err))
		}
	}
	if a.registry != nil {
		if alive := a.registry.TerminateAll(ctx); len(alive) > 0 {
			a.log.Error("processes survived shutdown", zap.Ints("pids", alive))
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.log.Debug("tracing shutdown failed", zap.Error(err))
		}
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			a.log.Warn("cleanup failed", zap.Error(err))
		}
	}
	a.cleanups = nil
	_ = a.log.Sync()
}

// projectDir resolves a --project flag, defaulting to the working directory.
func projectDir(flag string) (string, error) {
	if flag != "" {
		return config.ExpandHome(flag), nil
	}
	return os.Getwd()
}
