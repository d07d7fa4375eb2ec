package task

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewPostgresStore(db)
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestPostgresCreateInsertsDraft(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tk := &contracts.Task{TenantID: tenant, Type: "send_outreach"}
	require.NoError(t, store.Create(context.Background(), tk))
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, contracts.TaskDraft, tk.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApproveGuardsOnPendingStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, decided_by = \$2`).
		WithArgs("APPROVED", "op-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"task-1", "PENDING_APPROVAL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Approve(context.Background(), "task-1", "op-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApproveLostRaceIsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, decided_by = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// classification refetch sees the task already rejected
	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "REJECTED"))

	err := store.Approve(context.Background(), "task-1", "op-1")
	require.Error(t, err)
	assert.True(t, contracts.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApproveOnDraftIsStateError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, decided_by = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "DRAFT"))

	err := store.Approve(context.Background(), "task-1", "op-1")
	require.Error(t, err)
	assert.True(t, contracts.IsStateError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireOldTasksReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks SET status = \$1, updated_at = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.ExpireOldTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func taskRows(id, status string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{
		"id", "tenant_id", "type", "payload", "status", "effectful", "priority", "escalation_reason",
		"iterations", "converged", "assigned_to", "decided_by", "decided_at", "approved_at", "rejected_at", "rejection_reason",
		"scheduled_for", "expires_at", "executed_at", "execution_result", "execution_error",
		"guidelines_version_id", "criteria_version_id", "created_at", "updated_at",
	}
	return sqlmock.NewRows(cols).AddRow(
		id, tenant, "send_outreach", []byte("null"), status, false, 1, "",
		0, false, "", "", nil, nil, nil, "",
		nil, nil, nil, nil, "",
		"", "", now, now,
	)
}
