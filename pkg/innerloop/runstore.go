package innerloop

import (
	"context"
	"database/sql"

	"github.com/crewline-ai/crewline/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// RunStore persists loop runs for audit. Recording is best-effort from the
// engine's point of view; a failed write is logged, never fatal.
type RunStore interface {
	Record(ctx context.Context, run *contracts.LoopRun) error
	ListForTask(ctx context.Context, taskID string) ([]*contracts.LoopRun, error)
}

const runColumns = `id, tenant_id, task_id, task_type, iterations, converged, final_score, last_error, started_at, finished_at`

// SQLiteRunStore is the lite-mode run store. Self-migrates on construction.
type SQLiteRunStore struct {
	db *sql.DB
}

func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS loop_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		converged INTEGER NOT NULL,
		final_score REAL NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loop_runs_task ON loop_runs (task_id);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) Record(ctx context.Context, run *contracts.LoopRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.TaskID, run.TaskType, run.Iterations, run.Converged,
		run.FinalScore, run.LastError, run.StartedAt.UTC(), run.FinishedAt.UTC())
	return err
}

func (s *SQLiteRunStore) ListForTask(ctx context.Context, taskID string) ([]*contracts.LoopRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM loop_runs WHERE task_id = ? ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// PostgresRunStore is the durable run store. Table:
//
//	CREATE TABLE loop_runs (
//	    id TEXT PRIMARY KEY,
//	    tenant_id TEXT NOT NULL,
//	    task_id TEXT NOT NULL,
//	    task_type TEXT NOT NULL,
//	    iterations INTEGER NOT NULL,
//	    converged BOOLEAN NOT NULL,
//	    final_score DOUBLE PRECISION NOT NULL,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL
//	);
type PostgresRunStore struct {
	db *sql.DB
}

func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) Record(ctx context.Context, run *contracts.LoopRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.TenantID, run.TaskID, run.TaskType, run.Iterations, run.Converged,
		run.FinalScore, run.LastError, run.StartedAt.UTC(), run.FinishedAt.UTC())
	return err
}

func (s *PostgresRunStore) ListForTask(ctx context.Context, taskID string) ([]*contracts.LoopRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM loop_runs WHERE task_id = $1 ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*contracts.LoopRun, error) {
	var runs []*contracts.LoopRun
	for rows.Next() {
		var r contracts.LoopRun
		if err := rows.Scan(&r.ID, &r.TenantID, &r.TaskID, &r.TaskType, &r.Iterations, &r.Converged,
			&r.FinalScore, &r.LastError, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
