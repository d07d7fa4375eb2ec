package policy

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/crewline-ai/crewline/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteVersionStore is the lite-mode implementation. It self-migrates on
// construction.
type SQLiteVersionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteVersionStore(db *sql.DB) (*SQLiteVersionStore, error) {
	s := &SQLiteVersionStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVersionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		content TEXT NOT NULL,
		created_by TEXT NOT NULL,
		changelog TEXT NOT NULL DEFAULT '[]',
		parent_version_id TEXT,
		effective_from DATETIME,
		effective_until DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE (tenant_id, kind, version)
	);
	CREATE INDEX IF NOT EXISTS idx_policy_active
		ON policy_documents (tenant_id, kind, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteVersionStore) Get(ctx context.Context, id string) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents WHERE id = ?`, id)
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "policy document", ID: id}
	}
	return doc, err
}

func (s *SQLiteVersionStore) GetActive(ctx context.Context, tenantID string, kind contracts.PolicyKind) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = ? AND kind = ? AND status = ?`,
		tenantID, string(kind), string(contracts.PolicyActive))
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "active " + string(kind), ID: tenantID}
	}
	return doc, err
}

func (s *SQLiteVersionStore) GetVersion(ctx context.Context, tenantID string, kind contracts.PolicyKind, version int) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = ? AND kind = ? AND version = ?`,
		tenantID, string(kind), version)
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: string(kind), ID: tenantID}
	}
	return doc, err
}

func (s *SQLiteVersionStore) GetAllVersions(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return s.list(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = ? AND kind = ?
		 ORDER BY version ASC`,
		tenantID, string(kind))
}

func (s *SQLiteVersionStore) GetDrafts(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return s.list(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = ? AND kind = ? AND status = ?
		 ORDER BY version ASC`,
		tenantID, string(kind), string(contracts.PolicyDraft))
}

func (s *SQLiteVersionStore) list(ctx context.Context, query string, args ...any) ([]*contracts.PolicyDocument, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []*contracts.PolicyDocument
	for rows.Next() {
		doc, err := scanPolicyRow(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteVersionStore) CreateDraft(ctx context.Context, doc *contracts.PolicyDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policy_documents WHERE tenant_id = ? AND kind = ?`,
		doc.TenantID, string(doc.Kind)).Scan(&maxVersion)
	if err != nil {
		return err
	}
	doc.Version = maxVersion + 1
	doc.Status = contracts.PolicyDraft

	content, changelog, err := marshalPolicyFields(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_documents
		 (id, tenant_id, kind, version, status, content, created_by, changelog, parent_version_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, string(doc.Kind), doc.Version, string(doc.Status),
		string(content), string(doc.CreatedBy), string(changelog),
		nullString(doc.ParentVersionID), doc.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &contracts.ConcurrencyConflict{Entity: "policy document", ID: doc.ID, Detail: "version number already allocated"}
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteVersionStore) Activate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var tenantID, kind, status string
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, kind, status FROM policy_documents WHERE id = ?`, id).
		Scan(&tenantID, &kind, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return &contracts.NotFoundError{Entity: "policy document", ID: id}
	}
	if err != nil {
		return err
	}
	if status != string(contracts.PolicyDraft) {
		return &contracts.StateError{Entity: "policy document", ID: id, Actual: status, Expected: string(contracts.PolicyDraft)}
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE policy_documents SET status = ?, effective_until = ?
		 WHERE tenant_id = ? AND kind = ? AND status = ?`,
		string(contracts.PolicyArchived), now, tenantID, kind, string(contracts.PolicyActive))
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE policy_documents SET status = ?, effective_from = ?, effective_until = NULL
		 WHERE id = ? AND status = ?`,
		string(contracts.PolicyActive), now, id, string(contracts.PolicyDraft))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.ConcurrencyConflict{Entity: "policy document", ID: id, Detail: "draft was decided concurrently"}
	}
	return tx.Commit()
}

func (s *SQLiteVersionStore) Reject(ctx context.Context, id string, entry contracts.ChangelogEntry) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != contracts.PolicyDraft {
		return &contracts.StateError{Entity: "policy document", ID: id, Actual: string(doc.Status), Expected: string(contracts.PolicyDraft)}
	}
	doc.Changelog = append(doc.Changelog, entry)
	_, changelog, err := marshalPolicyFields(doc)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_documents SET status = ?, changelog = ?
		 WHERE id = ? AND status = ?`,
		string(contracts.PolicyRejected), string(changelog), id, string(contracts.PolicyDraft))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.ConcurrencyConflict{Entity: "policy document", ID: id, Detail: "draft was decided concurrently"}
	}
	return nil
}
