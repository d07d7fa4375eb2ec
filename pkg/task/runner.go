package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// Runner feeds approved, due tasks to the external Executor and records the
// outcome. It is the only path from APPROVED to a terminal execution state;
// the Executor itself lives outside the core and owns the side effect.
type Runner struct {
	store    Store
	executor contracts.Executor
	logger   *slog.Logger
	batch    int
}

func NewRunner(store Store, executor contracts.Executor, logger *slog.Logger, batch int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 10
	}
	return &Runner{store: store, executor: executor, logger: logger, batch: batch}
}

// DrainTenant executes one batch of ready tasks for a tenant and returns how
// many it processed. A task another runner claimed in the meantime is
// skipped, not an error. Executor failures (including panics) are captured
// into the task's execution_error; they never escape.
func (r *Runner) DrainTenant(ctx context.Context, tenantID string) (int, error) {
	ready, err := r.store.GetReadyForExecution(ctx, tenantID, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load ready tasks: %w", err)
	}

	processed := 0
	for _, t := range ready {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := r.store.MarkExecuting(ctx, t.ID); err != nil {
			if contracts.IsStateError(err) {
				continue // claimed elsewhere
			}
			return processed, err
		}

		result, execErr := r.execute(ctx, t)
		if execErr != nil {
			r.logger.Warn("task execution failed", "task", t.ID, "tenant", tenantID, "err", execErr)
			if err := r.store.MarkFailed(ctx, t.ID, execErr.Error()); err != nil {
				return processed, err
			}
		} else {
			if err := r.store.MarkCompleted(ctx, t.ID, result.Result); err != nil {
				return processed, err
			}
		}
		processed++
	}
	return processed, nil
}

func (r *Runner) execute(ctx context.Context, t *contracts.Task) (result *contracts.ExecutionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &contracts.ExternalFailure{Capability: "executor", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	result, err = r.executor.Execute(ctx, t)
	if err != nil {
		return nil, &contracts.ExternalFailure{Capability: "executor", Err: err}
	}
	if result == nil || !result.Success {
		return nil, &contracts.ExternalFailure{Capability: "executor", Err: fmt.Errorf("executor reported failure")}
	}
	return result, nil
}
