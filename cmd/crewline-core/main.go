// crewline-core wires the governance core: policy version store, task
// store, approval queue and the expiry sweeper. Generator, Validator and
// Executor capabilities are provided by the surrounding services; this
// binary owns only the governed state.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/crewline-ai/crewline/core/pkg/approval"
	"github.com/crewline-ai/crewline/core/pkg/config"
	"github.com/crewline-ai/crewline/core/pkg/contracts"
	"github.com/crewline-ai/crewline/core/pkg/notify"
	"github.com/crewline-ai/crewline/core/pkg/policy"
	"github.com/crewline-ai/crewline/core/pkg/task"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crewline-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var taskStore task.Store
	switch cfg.DBDriver {
	case "sqlite":
		// Constructing the policy store migrates its schema; sibling
		// services share the same file.
		if _, err := policy.NewSQLiteVersionStore(db); err != nil {
			return fmt.Errorf("init policy store: %w", err)
		}
		ts, err := task.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("init task store: %w", err)
		}
		taskStore = ts
	default:
		taskStore = task.NewPostgresStore(db)
	}

	notifier := newNotifier(cfg, logger)

	// Compile the escalation rules up front; a bad rules file fails the
	// boot rather than the first submission that needs routing.
	rules, err := config.LoadEscalationRules(cfg.EscalationRulesPath)
	if err != nil {
		return err
	}
	router, err := approval.NewRouter(rules.DefaultChannel, logger)
	if err != nil {
		return err
	}
	if err := router.Load(rules.Rules); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("crewline governance core started",
		"driver", cfg.DBDriver, "sweep_interval", cfg.SweepInterval.String())

	sweeper := task.NewSweeper(taskStore, notifier, logger, cfg.SweepInterval)
	sweeper.Run(ctx)

	logger.Info("crewline governance core stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openDatabase(cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		logger.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
		return sql.Open("sqlite", cfg.SQLitePath)
	case "postgres":
		return sql.Open("postgres", cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) contracts.Notifier {
	if cfg.RedisAddr != "" {
		logger.Info("publishing events to redis", "addr", cfg.RedisAddr)
		return notify.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
	}
	return notify.NewLogNotifier(logger)
}
