package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline-ai/crewline/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the lite-mode task store. Self-migrates on construction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		effectful INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		escalation_reason TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		converged INTEGER NOT NULL DEFAULT 0,
		assigned_to TEXT NOT NULL DEFAULT '',
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at DATETIME,
		approved_at DATETIME,
		rejected_at DATETIME,
		rejection_reason TEXT NOT NULL DEFAULT '',
		scheduled_for DATETIME,
		expires_at DATETIME,
		executed_at DATETIME,
		execution_result TEXT,
		execution_error TEXT NOT NULL DEFAULT '',
		guidelines_version_id TEXT NOT NULL DEFAULT '',
		criteria_version_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_pending
		ON tasks (tenant_id, status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_ready
		ON tasks (tenant_id, status, priority, approved_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, t *contracts.Task) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Type, string(payloadBytes(t.Payload)), string(t.Status),
		t.Effectful, int(t.Priority), string(t.EscalationReason),
		t.Iterations, t.Converged, nullTime(t.ScheduledFor), nullTime(t.ExpiresAt),
		t.GuidelinesVersionID, t.CriteriaVersionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "task", ID: id}
	}
	return t, err
}

func (s *SQLiteStore) QueueForApproval(ctx context.Context, id string, reason contracts.EscalationReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, effectful = 1, escalation_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskPendingApproval), string(reason), s.now().UTC(),
		id, string(contracts.TaskDraft))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskDraft)
}

func (s *SQLiteStore) Approve(ctx context.Context, id, teleoperatorID string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, decided_by = ?, decided_at = ?, approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskApproved), teleoperatorID, now, now, now,
		id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkDecision(ctx, res, id)
}

func (s *SQLiteStore) Reject(ctx context.Context, id, teleoperatorID, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, decided_by = ?, decided_at = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskRejected), teleoperatorID, now, now, reason, now,
		id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkDecision(ctx, res, id)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, decided_by = ?, decided_at = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+statusPlaceholders(cancellableStatuses)+`)`,
		append([]any{string(contracts.TaskRejected), string(contracts.ActorSystem), now, now, reason, now, id},
			statusArgs(cancellableStatuses)...)...)
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

func (s *SQLiteStore) MarkExecuting(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, executed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskExecuting), now, now, id, string(contracts.TaskApproved))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskApproved)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, execution_result = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskCompleted), string(payloadBytes(result)), s.now().UTC(),
		id, string(contracts.TaskExecuting))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskExecuting)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, execErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, execution_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.TaskFailed), execErr, s.now().UTC(),
		id, string(contracts.TaskExecuting))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskExecuting)
}

func (s *SQLiteStore) Assign(ctx context.Context, id, teleoperatorID string) error {
	return s.setAssignee(ctx, id, teleoperatorID)
}

func (s *SQLiteStore) Unassign(ctx context.Context, id string) error {
	return s.setAssignee(ctx, id, "")
}

func (s *SQLiteStore) setAssignee(ctx context.Context, id, assignee string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ? AND status = ?`,
		assignee, s.now().UTC(), id, string(contracts.TaskPendingApproval))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, contracts.TaskPendingApproval)
}

func (s *SQLiteStore) ListPending(ctx context.Context, tenantID string, f Filter) ([]*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, string(contracts.TaskPendingApproval)}

	if len(f.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(f.Types)) + `)`
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if len(f.Priorities) > 0 {
		query += ` AND priority IN (` + placeholders(len(f.Priorities)) + `)`
		for _, p := range f.Priorities {
			args = append(args, int(p))
		}
	}
	if len(f.EscalationReasons) > 0 {
		query += ` AND escalation_reason IN (` + placeholders(len(f.EscalationReasons)) + `)`
		for _, r := range f.EscalationReasons {
			args = append(args, string(r))
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.list(ctx, query, args...)
}

func (s *SQLiteStore) GetReadyForExecution(ctx context.Context, tenantID string, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE tenant_id = ? AND status = ?
		   AND (scheduled_for IS NULL OR scheduled_for <= ?)
		 ORDER BY priority DESC, approved_at ASC
		 LIMIT ?`,
		tenantID, string(contracts.TaskApproved), s.now().UTC(), limit)
}

func (s *SQLiteStore) ExpireOldTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE status IN (`+statusPlaceholders(expirableStatuses)+`)
		   AND expires_at IS NOT NULL AND expires_at < ?`,
		append(append([]any{string(contracts.TaskExpired), s.now().UTC()},
			statusArgs(expirableStatuses)...), s.now().UTC())...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Task, error) {
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

// checkTransition classifies a zero-row conditional update as NotFound or
// StateError against the expected pre-state.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, expected contracts.TaskStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return stateError(id, t.Status, expected)
}

// checkDecision classifies a zero-row decision update; a task that is
// already decided means the caller lost an optimistic race.
func (s *SQLiteStore) checkDecision(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return decisionFailure(id, t.Status)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusPlaceholders(statuses []contracts.TaskStatus) string {
	return placeholders(len(statuses))
}

func statusArgs(statuses []contracts.TaskStatus) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
