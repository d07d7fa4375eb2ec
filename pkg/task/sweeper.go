package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// Sweeper periodically expires tasks whose expires_at has passed. The sweep
// is a bulk, idempotent status flip with no per-row side effects, so
// overlapping or repeated runs are always safe.
type Sweeper struct {
	store    Store
	notifier contracts.Notifier
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper builds a sweeper. A nil notifier disables the expiry event.
func NewSweeper(store Store, notifier contracts.Notifier, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, notifier: notifier, logger: logger, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.ExpireOldTasks(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "err", err)
		return
	}
	if n == 0 {
		return
	}
	s.logger.Info("expired tasks", "count", n)
	if s.notifier == nil {
		return
	}
	ev := contracts.Event{
		Kind:    contracts.EventTasksExpired,
		Payload: map[string]any{"count": n},
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("expiry event not published", "err", err)
	}
}
