package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
	"github.com/crewline-ai/crewline/core/pkg/task"
)

// DecisionKind is what a teleoperator chose to do with a task.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionReject  DecisionKind = "REJECT"
)

// Decision is a teleoperator's verdict on one pending task.
type Decision struct {
	TaskID          string       `json:"task_id"`
	Kind            DecisionKind `json:"kind"`
	TeleoperatorID  string       `json:"teleoperator_id"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// Queue is the teleoperator's view over tasks awaiting decision. It is a
// read/filter layer on the task store plus the decision entry point; it owns
// no state of its own.
type Queue struct {
	tasks    task.Store
	router   *Router
	notifier contracts.Notifier
	logger   *slog.Logger
}

// NewQueue builds a Queue. router and notifier may be nil; without them the
// queue still works, it just routes nothing.
func NewQueue(tasks task.Store, router *Router, notifier contracts.Notifier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{tasks: tasks, router: router, notifier: notifier, logger: logger}
}

// Submit moves a DRAFT task into the approval queue, routes it to a channel,
// and fires the queued notification. The notification is best-effort; the
// state change has already committed by the time it is attempted.
func (q *Queue) Submit(ctx context.Context, taskID string, reason contracts.EscalationReason) (*contracts.Task, error) {
	if err := q.tasks.QueueForApproval(ctx, taskID, reason); err != nil {
		return nil, err
	}
	t, err := q.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	channel := ""
	if q.router != nil {
		channel = q.router.Route(t)
	}
	q.publish(ctx, contracts.Event{
		Kind:     contracts.EventTaskQueued,
		TenantID: t.TenantID,
		TaskID:   t.ID,
		Channel:  channel,
		Payload:  map[string]any{"type": t.Type, "priority": t.Priority.String()},
	})
	if t.Priority == contracts.PriorityUrgent {
		q.publish(ctx, contracts.Event{
			Kind:     contracts.EventUrgentEscalation,
			TenantID: t.TenantID,
			TaskID:   t.ID,
			Channel:  channel,
			Payload:  map[string]any{"escalation_reason": string(t.EscalationReason)},
		})
	}
	return t, nil
}

// List returns pending tasks ordered priority descending, oldest first
// within a tier.
func (q *Queue) List(ctx context.Context, tenantID string, f task.Filter) ([]*contracts.Task, error) {
	return q.tasks.ListPending(ctx, tenantID, f)
}

// Assign records a soft claim. It does not prevent another teleoperator
// from deciding the task.
func (q *Queue) Assign(ctx context.Context, taskID, teleoperatorID string) error {
	return q.tasks.Assign(ctx, taskID, teleoperatorID)
}

// Unassign clears the soft claim.
func (q *Queue) Unassign(ctx context.Context, taskID string) error {
	return q.tasks.Unassign(ctx, taskID)
}

// ProcessDecision applies a teleoperator's verdict. Two teleoperators may
// decide the same task concurrently; the store's optimistic status check
// lets exactly one win and the loser gets *contracts.ConcurrencyConflict.
// The caller should refetch and show the landed decision, not retry.
func (q *Queue) ProcessDecision(ctx context.Context, d Decision) (*contracts.Task, error) {
	if d.TeleoperatorID == "" {
		return nil, fmt.Errorf("decision requires a teleoperator id")
	}

	var err error
	switch d.Kind {
	case DecisionApprove:
		err = q.tasks.Approve(ctx, d.TaskID, d.TeleoperatorID)
	case DecisionReject:
		err = q.tasks.Reject(ctx, d.TaskID, d.TeleoperatorID, d.RejectionReason)
	default:
		return nil, fmt.Errorf("unknown decision kind %q", d.Kind)
	}
	if err != nil {
		return nil, err
	}

	t, err := q.tasks.Get(ctx, d.TaskID)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, contracts.Event{
		Kind:     contracts.EventTaskDecided,
		TenantID: t.TenantID,
		TaskID:   t.ID,
		Payload:  map[string]any{"status": string(t.Status), "decided_by": t.DecidedBy},
	})
	return t, nil
}

func (q *Queue) publish(ctx context.Context, ev contracts.Event) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Publish(ctx, ev); err != nil {
		q.logger.Warn("notify failed", "kind", ev.Kind, "task", ev.TaskID, "err", err)
	}
}
