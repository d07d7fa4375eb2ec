package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// Filter narrows ListPending results. Zero-value fields are ignored.
type Filter struct {
	Types             []string
	Priorities        []contracts.TaskPriority
	EscalationReasons []contracts.EscalationReason
	Limit             int
	Offset            int
}

const defaultListLimit = 100

// Store persists tasks and enforces the lifecycle state machine. All status
// changes are conditional updates guarded on the expected pre-state, so a
// stale caller fails loudly instead of double-applying.
type Store interface {
	// Create inserts a new task as DRAFT. Any other requested status is an
	// error; tasks enter the world sandboxed.
	Create(ctx context.Context, t *contracts.Task) error
	Get(ctx context.Context, id string) (*contracts.Task, error)

	// QueueForApproval moves DRAFT -> PENDING_APPROVAL, marking the task
	// effectful and recording the optional escalation reason.
	QueueForApproval(ctx context.Context, id string, reason contracts.EscalationReason) error

	// Approve and Reject move PENDING_APPROVAL to the decided state. The
	// losing side of a concurrent decision gets *contracts.ConcurrencyConflict.
	Approve(ctx context.Context, id, teleoperatorID string) error
	Reject(ctx context.Context, id, teleoperatorID, reason string) error

	// Cancel routes a not-yet-executing task (DRAFT, PENDING_APPROVAL or
	// APPROVED) to REJECTED with a SYSTEM decider.
	Cancel(ctx context.Context, id, reason string) error

	MarkExecuting(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, execErr string) error

	// Assign and Unassign record a soft, non-exclusive claim. They never
	// block another teleoperator's decision.
	Assign(ctx context.Context, id, teleoperatorID string) error
	Unassign(ctx context.Context, id string) error

	// ListPending returns PENDING_APPROVAL tasks for the tenant, ordered
	// priority descending then created_at ascending.
	ListPending(ctx context.Context, tenantID string, f Filter) ([]*contracts.Task, error)

	// GetReadyForExecution returns APPROVED tasks whose scheduled_for is
	// unset or past, ordered priority descending then approved_at ascending
	// so no priority tier starves its oldest entries.
	GetReadyForExecution(ctx context.Context, tenantID string, limit int) ([]*contracts.Task, error)

	// ExpireOldTasks flips every expirable task whose expires_at has passed
	// to EXPIRED and returns the count. Idempotent; a second sweep finds
	// nothing.
	ExpireOldTasks(ctx context.Context) (int64, error)
}

const taskColumns = `id, tenant_id, type, payload, status, effectful, priority, escalation_reason,
	iterations, converged, assigned_to, decided_by, decided_at, approved_at, rejected_at, rejection_reason,
	scheduled_for, expires_at, executed_at, execution_result, execution_error,
	guidelines_version_id, criteria_version_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*contracts.Task, error) {
	var (
		t            contracts.Task
		payload      []byte
		result       []byte
		decidedAt    sql.NullTime
		approvedAt   sql.NullTime
		rejectedAt   sql.NullTime
		scheduledFor sql.NullTime
		expiresAt    sql.NullTime
		executedAt   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Type, &payload, &t.Status, &t.Effectful, &t.Priority, &t.EscalationReason,
		&t.Iterations, &t.Converged, &t.AssignedTo, &t.DecidedBy, &decidedAt, &approvedAt, &rejectedAt, &t.RejectionReason,
		&scheduledFor, &expiresAt, &executedAt, &result, &t.ExecutionError,
		&t.GuidelinesVersionID, &t.CriteriaVersionID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		t.ExecutionResult = json.RawMessage(result)
	}
	t.DecidedAt = timePtr(decidedAt)
	t.ApprovedAt = timePtr(approvedAt)
	t.RejectedAt = timePtr(rejectedAt)
	t.ScheduledFor = timePtr(scheduledFor)
	t.ExpiresAt = timePtr(expiresAt)
	t.ExecutedAt = timePtr(executedAt)
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func payloadBytes(raw json.RawMessage) []byte {
	if raw == nil {
		return []byte("null")
	}
	return raw
}
