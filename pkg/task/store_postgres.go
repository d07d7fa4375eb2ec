package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// PostgresStore is the durable task store. Schema is managed by the
// deployment's migrations:
//
//	CREATE TABLE tasks (
//	    id TEXT PRIMARY KEY,
//	    tenant_id TEXT NOT NULL,
//	    type TEXT NOT NULL,
//	    payload JSONB,
//	    status TEXT NOT NULL,
//	    effectful BOOLEAN NOT NULL DEFAULT FALSE,
//	    priority INTEGER NOT NULL DEFAULT 1,
//	    escalation_reason TEXT NOT NULL DEFAULT '',
//	    iterations INTEGER NOT NULL DEFAULT 0,
//	    converged BOOLEAN NOT NULL DEFAULT FALSE,
//	    assigned_to TEXT NOT NULL DEFAULT '',
//	    decided_by TEXT NOT NULL DEFAULT '',
//	    decided_at TIMESTAMPTZ,
//	    approved_at TIMESTAMPTZ,
//	    rejected_at TIMESTAMPTZ,
//	    rejection_reason TEXT NOT NULL DEFAULT '',
//	    scheduled_for TIMESTAMPTZ,
//	    expires_at TIMESTAMPTZ,
//	    executed_at TIMESTAMPTZ,
//	    execution_result JSONB,
//	    execution_error TEXT NOT NULL DEFAULT '',
//	    guidelines_version_id TEXT NOT NULL DEFAULT '',
//	    criteria_version_id TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, t *contracts.Task) error {
	if t.Status != "" && t.Status != contracts.TaskDraft {
		return stateError(t.ID, t.Status, contracts.TaskDraft)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = contracts.TaskDraft
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks
		 (id, tenant_id, type, payload, status, effectful, priority, escalation_reason,
		  iterations, converged, scheduled_for, expires_at,
		  guidelines_version_id, criteria_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.TenantID, t.Type, string(payloadBytes(t.Payload)), string(t.Status),
		t.Effectful, int(t.Priority), string(t.EscalationReason),
		t.Iterations, t.Converged, nullTime(t.ScheduledFor), nullTime(t.ExpiresAt),
		t.GuidelinesVersionID, t.CriteriaVersionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "task", ID: id}
	}
	return t, err
}

func (s *PostgresStore) QueueForApproval(ctx context.Context, id string, reason contracts.EscalationReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, effectful = TRUE, escalation_reason = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(contracts.TaskPendingApproval), string(reason), s.now().UTC(),
		id, string(contracts.TaskDraft))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskDraft)
}

func (s *PostgresStore) Approve(ctx context.Context, id, teleoperatorID string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, decided_by = $2, decided_at = $3, approved_at = $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		string(contracts.TaskApproved), teleoperatorID, now, now, now,
		id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkDecision(ctx, res, id)
}

func (s *PostgresStore) Reject(ctx context.Context, id, teleoperatorID, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, decided_by = $2, decided_at = $3, rejected_at = $4, rejection_reason = $5, updated_at = $6
		 WHERE id = $7 AND status = $8`,
		string(contracts.TaskRejected), teleoperatorID, now, now, reason, now,
		id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkDecision(ctx, res, id)
}

func (s *PostgresStore) Cancel(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, decided_by = $2, decided_at = $3, rejected_at = $4, rejection_reason = $5, updated_at = $6
		 WHERE id = $7 AND status = ANY($8)`,
		string(contracts.TaskRejected), string(contracts.ActorSystem), now, now, reason, now,
		id, pq.Array(statusStrings(cancellableStatuses)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return stateError(id, t.Status, contracts.TaskDraft)
	}
	return nil
}

func (s *PostgresStore) MarkExecuting(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, executed_at = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(contracts.TaskExecuting), now, now, id, string(contracts.TaskApproved))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskApproved)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, execution_result = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(contracts.TaskCompleted), string(payloadBytes(result)), s.now().UTC(),
		id, string(contracts.TaskExecuting))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskExecuting)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, execErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, execution_error = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(contracts.TaskFailed), execErr, s.now().UTC(),
		id, string(contracts.TaskExecuting))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskExecuting)
}

func (s *PostgresStore) Assign(ctx context.Context, id, teleoperatorID string) error {
	return s.setAssignee(ctx, id, teleoperatorID)
}

func (s *PostgresStore) Unassign(ctx context.Context, id string) error {
	return s.setAssignee(ctx, id, "")
}

func (s *PostgresStore) setAssignee(ctx context.Context, id, assignee string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		assignee, s.now().UTC(), id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskPendingApproval)
}

func (s *PostgresStore) ListPending(ctx context.Context, tenantID string, f Filter) ([]*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1 AND status = $2`
	args := []any{tenantID, string(contracts.TaskPendingApproval)}

	if len(f.Types) > 0 {
		args = append(args, pq.Array(f.Types))
		query += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	if len(f.Priorities) > 0 {
		ints := make([]int64, len(f.Priorities))
		for i, p := range f.Priorities {
			ints[i] = int64(p)
		}
		args = append(args, pq.Array(ints))
		query += fmt.Sprintf(` AND priority = ANY($%d)`, len(args))
	}
	if len(f.EscalationReasons) > 0 {
		reasons := make([]string, len(f.EscalationReasons))
		for i, r := range f.EscalationReasons {
			reasons[i] = string(r)
		}
		args = append(args, pq.Array(reasons))
		query += fmt.Sprintf(` AND escalation_reason = ANY($%d)`, len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return s.list(ctx, query, args...)
}

func (s *PostgresStore) GetReadyForExecution(ctx context.Context, tenantID string, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE tenant_id = $1 AND status = $2
		   AND (scheduled_for IS NULL OR scheduled_for <= $3)
		 ORDER BY priority DESC, approved_at ASC
		 LIMIT $4`,
		tenantID, string(contracts.TaskApproved), s.now().UTC(), limit)
}

func (s *PostgresStore) ExpireOldTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2
		 WHERE status = ANY($3) AND expires_at IS NOT NULL AND expires_at < $4`,
		string(contracts.TaskExpired), s.now().UTC(),
		pq.Array(statusStrings(expirableStatuses)), s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) checkTransition(ctx context.Context, res sql.Result, id string, expected contracts.TaskStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return stateError(id, t.Status, expected)
}

func (s *PostgresStore) checkDecision(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return decisionFailure(id, t.Status)
}

func statusStrings(statuses []contracts.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
