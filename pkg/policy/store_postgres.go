package policy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// PostgresVersionStore is the durable implementation. Schema is managed by
// the deployment's migrations:
//
//	CREATE TABLE policy_documents (
//	    id TEXT PRIMARY KEY,
//	    tenant_id TEXT NOT NULL,
//	    kind TEXT NOT NULL,
//	    version INTEGER NOT NULL,
//	    status TEXT NOT NULL,
//	    content JSONB NOT NULL,
//	    created_by TEXT NOT NULL,
//	    changelog JSONB NOT NULL DEFAULT '[]',
//	    parent_version_id TEXT,
//	    effective_from TIMESTAMPTZ,
//	    effective_until TIMESTAMPTZ,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (tenant_id, kind, version)
//	);
//	CREATE UNIQUE INDEX policy_documents_one_active
//	    ON policy_documents (tenant_id, kind) WHERE status = 'ACTIVE';
type PostgresVersionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresVersionStore(db *sql.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db, now: time.Now}
}

func (s *PostgresVersionStore) Get(ctx context.Context, id string) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents WHERE id = $1`, id)
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "policy document", ID: id}
	}
	return doc, err
}

func (s *PostgresVersionStore) GetActive(ctx context.Context, tenantID string, kind contracts.PolicyKind) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = $1 AND kind = $2 AND status = $3`,
		tenantID, string(kind), string(contracts.PolicyActive))
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: "active " + string(kind), ID: tenantID}
	}
	return doc, err
}

func (s *PostgresVersionStore) GetVersion(ctx context.Context, tenantID string, kind contracts.PolicyKind, version int) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = $1 AND kind = $2 AND version = $3`,
		tenantID, string(kind), version)
	doc, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &contracts.NotFoundError{Entity: string(kind), ID: tenantID}
	}
	return doc, err
}

func (s *PostgresVersionStore) GetAllVersions(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return s.list(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = $1 AND kind = $2
		 ORDER BY version ASC`,
		tenantID, string(kind))
}

func (s *PostgresVersionStore) GetDrafts(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return s.list(ctx,
		`SELECT `+policyColumns+` FROM policy_documents
		 WHERE tenant_id = $1 AND kind = $2 AND status = $3
		 ORDER BY version ASC`,
		tenantID, string(kind), string(contracts.PolicyDraft))
}

func (s *PostgresVersionStore) list(ctx context.Context, query string, args ...any) ([]*contracts.PolicyDocument, error) {
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

func (s *PostgresVersionStore) CreateDraft(ctx context.Context, doc *contracts.PolicyDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policy_documents WHERE tenant_id = $1 AND kind = $2`,
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.TenantID, string(doc.Kind), doc.Version, string(doc.Status),
		string(content), string(doc.CreatedBy), string(changelog),
		nullString(doc.ParentVersionID), doc.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return &contracts.ConcurrencyConflict{Entity: "policy document", ID: doc.ID, Detail: "version number already allocated"}
		}
		return err
	}
	return tx.Commit()
}

func (s *PostgresVersionStore) Activate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var tenantID, kind, status string
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, kind, status FROM policy_documents WHERE id = $1 FOR UPDATE`, id).
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

	// The draft's row lock does not serialize against a sibling draft being
	// activated for the same tenant and kind; under READ COMMITTED both
	// transactions could archive-then-promote and leave two ACTIVE rows.
	// Lock the (tenant, kind) scope for the rest of the transaction.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, tenantID, kind); err != nil {
		return err
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE policy_documents SET status = $1, effective_until = $2
		 WHERE tenant_id = $3 AND kind = $4 AND status = $5`,
		string(contracts.PolicyArchived), now, tenantID, kind, string(contracts.PolicyActive))
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE policy_documents SET status = $1, effective_from = $2, effective_until = NULL
		 WHERE id = $3 AND status = $4`,
		string(contracts.PolicyActive), now, id, string(contracts.PolicyDraft))
	if err != nil {
		// The partial unique index on (tenant_id, kind) WHERE ACTIVE is the
		// schema-level backstop for the single-active invariant.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return &contracts.ConcurrencyConflict{Entity: "policy document", ID: id, Detail: "another version is already active"}
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.ConcurrencyConflict{Entity: "policy document", ID: id, Detail: "draft was decided concurrently"}
	}
	return tx.Commit()
}

func (s *PostgresVersionStore) Reject(ctx context.Context, id string, entry contracts.ChangelogEntry) error {
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
		`UPDATE policy_documents SET status = $1, changelog = $2
		 WHERE id = $3 AND status = $4`,
		string(contracts.PolicyRejected), string(changelog), id, string(contracts.PolicyDraft))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.ConcurrencyConflict{Entity: "policy document", ID: id, Detail: "draft was decided concurrently"}
	}
	return nil
}
