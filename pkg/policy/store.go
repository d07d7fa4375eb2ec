package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// VersionStore persists policy document versions. Implementations must
// guarantee the two store-level invariants: at most one ACTIVE document per
// (tenant, kind), and strictly increasing, never-reused version numbers.
type VersionStore interface {
	Get(ctx context.Context, id string) (*contracts.PolicyDocument, error)
	GetActive(ctx context.Context, tenantID string, kind contracts.PolicyKind) (*contracts.PolicyDocument, error)
	GetVersion(ctx context.Context, tenantID string, kind contracts.PolicyKind, version int) (*contracts.PolicyDocument, error)
	// GetAllVersions returns every version for the tenant+kind in ascending
	// version order.
	GetAllVersions(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error)
	GetDrafts(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error)

	// CreateDraft allocates the next version number for the document's
	// tenant+kind inside a transaction and inserts it as DRAFT. A concurrent
	// allocation of the same version surfaces as *contracts.ConcurrencyConflict.
	CreateDraft(ctx context.Context, doc *contracts.PolicyDocument) error

	// Activate atomically archives the current ACTIVE document (setting
	// effective_until) and promotes the target DRAFT (setting effective_from)
	// in one transaction, with both timestamps taken from the same instant.
	Activate(ctx context.Context, id string) error

	// Reject marks a DRAFT as REJECTED and appends the changelog entry. The
	// draft's version number is never reassigned.
	Reject(ctx context.Context, id string, entry contracts.ChangelogEntry) error
}

// policyColumns is the shared select list; both SQL stores scan it with
// scanPolicyRow.
const policyColumns = `id, tenant_id, kind, version, status, content, created_by, changelog, parent_version_id, effective_from, effective_until, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicyRow(row rowScanner) (*contracts.PolicyDocument, error) {
	var (
		doc            contracts.PolicyDocument
		contentJSON    []byte
		changelogJSON  []byte
		parentID       sql.NullString
		effectiveFrom  sql.NullTime
		effectiveUntil sql.NullTime
	)
	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.Kind, &doc.Version, &doc.Status,
		&contentJSON, &doc.CreatedBy, &changelogJSON, &parentID,
		&effectiveFrom, &effectiveUntil, &doc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &doc.Content); err != nil {
			return nil, fmt.Errorf("policy %s: corrupt content: %w", doc.ID, err)
		}
	}
	if len(changelogJSON) > 0 {
		if err := json.Unmarshal(changelogJSON, &doc.Changelog); err != nil {
			return nil, fmt.Errorf("policy %s: corrupt changelog: %w", doc.ID, err)
		}
	}
	if parentID.Valid {
		doc.ParentVersionID = parentID.String
	}
	if effectiveFrom.Valid {
		t := effectiveFrom.Time.UTC()
		doc.EffectiveFrom = &t
	}
	if effectiveUntil.Valid {
		t := effectiveUntil.Time.UTC()
		doc.EffectiveUntil = &t
	}
	return &doc, nil
}

func marshalPolicyFields(doc *contracts.PolicyDocument) (content, changelog []byte, err error) {
	content, err = json.Marshal(doc.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal content: %w", err)
	}
	changelog, err = json.Marshal(doc.Changelog)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal changelog: %w", err)
	}
	return content, changelog, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
