package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// Manager mediates draft creation, activation, and rejection on top of a
// VersionStore. Construct one per wiring context and inject it; there is no
// package-level instance.
type Manager struct {
	store    VersionStore
	notifier contracts.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager builds a Manager. notifier and logger may be nil.
func NewManager(store VersionStore, notifier contracts.Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// DraftSpec describes a requested draft. Content, when set, replaces the
// listed sections wholesale; Patch applies typed edits on top. Sections not
// touched by either default to a clone of the active document's content, so
// a partial update never loses unrelated fields.
type DraftSpec struct {
	Content   *contracts.PolicyContent
	Patch     []contracts.PatchOp
	CreatedBy contracts.ActorKind
	Changelog string
}

// CreateDraft validates and persists a new DRAFT version for tenant+kind.
// Version allocation races are retried once; a second loss surfaces as
// *contracts.ConcurrencyConflict.
func (m *Manager) CreateDraft(ctx context.Context, tenantID string, kind contracts.PolicyKind, spec DraftSpec) (*contracts.PolicyDocument, error) {
	active, err := m.store.GetActive(ctx, tenantID, kind)
	if err != nil && !contracts.IsNotFound(err) {
		return nil, fmt.Errorf("load active %s: %w", kind, err)
	}

	var base contracts.PolicyContent
	parentID := ""
	if active != nil {
		base = cloneContent(active.Content)
		parentID = active.ID
	}
	if spec.Content != nil {
		base = mergeSections(base, *spec.Content)
	}
	if len(spec.Patch) > 0 {
		base, err = Apply(base, spec.Patch)
		if err != nil {
			return nil, err
		}
	}
	if err := Validate(base); err != nil {
		return nil, err
	}

	createdBy := spec.CreatedBy
	if createdBy == "" {
		createdBy = contracts.ActorSystem
	}
	note := spec.Changelog
	if note == "" && active != nil {
		note = describeChanges(Diff(active.Content, base))
	}

	doc := &contracts.PolicyDocument{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Kind:            kind,
		Status:          contracts.PolicyDraft,
		Content:         base,
		CreatedBy:       createdBy,
		ParentVersionID: parentID,
		CreatedAt:       m.now().UTC(),
		Changelog: []contracts.ChangelogEntry{
			{At: m.now().UTC(), Actor: createdBy, Note: note},
		},
	}

	err = m.store.CreateDraft(ctx, doc)
	if contracts.IsConflict(err) {
		// Another draft won the version number; allocate the next one.
		err = m.store.CreateDraft(ctx, doc)
	}
	if err != nil {
		return nil, err
	}

	m.publish(ctx, contracts.Event{
		Kind:     contracts.EventPolicyDraftCreated,
		TenantID: tenantID,
		PolicyID: doc.ID,
		Payload:  map[string]any{"kind": string(kind), "version": doc.Version, "created_by": string(createdBy)},
	})
	return doc, nil
}

// ActivateDraft promotes a DRAFT to ACTIVE, archiving the current ACTIVE
// version in the same transaction. Content is re-validated so a draft that
// predates a validation tightening cannot go live; failures report the
// specific guard (not-a-draft, or the validation issue list).
func (m *Manager) ActivateDraft(ctx context.Context, id string) (*contracts.PolicyDocument, error) {
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != contracts.PolicyDraft {
		return nil, &contracts.StateError{Entity: "policy document", ID: id, Actual: string(doc.Status), Expected: string(contracts.PolicyDraft)}
	}
	if err := Validate(doc.Content); err != nil {
		return nil, err
	}
	if err := m.store.Activate(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// RejectDraft marks a DRAFT as REJECTED with the reason appended to its
// changelog. The version number stays burned.
func (m *Manager) RejectDraft(ctx context.Context, id, reason string) error {
	return m.store.Reject(ctx, id, contracts.ChangelogEntry{
		At:    m.now().UTC(),
		Actor: contracts.ActorTeleoperator,
		Note:  "rejected: " + reason,
	})
}

// GetActive returns the single ACTIVE document for tenant+kind.
func (m *Manager) GetActive(ctx context.Context, tenantID string, kind contracts.PolicyKind) (*contracts.PolicyDocument, error) {
	return m.store.GetActive(ctx, tenantID, kind)
}

// GetVersion returns one specific version.
func (m *Manager) GetVersion(ctx context.Context, tenantID string, kind contracts.PolicyKind, version int) (*contracts.PolicyDocument, error) {
	return m.store.GetVersion(ctx, tenantID, kind, version)
}

// GetAllVersions returns every version, ascending.
func (m *Manager) GetAllVersions(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return m.store.GetAllVersions(ctx, tenantID, kind)
}

// GetDrafts returns pending drafts for tenant+kind.
func (m *Manager) GetDrafts(ctx context.Context, tenantID string, kind contracts.PolicyKind) ([]*contracts.PolicyDocument, error) {
	return m.store.GetDrafts(ctx, tenantID, kind)
}

// Diff exposes the content differ.
func (m *Manager) Diff(before, after contracts.PolicyContent) DiffResult {
	return Diff(before, after)
}

func (m *Manager) publish(ctx context.Context, ev contracts.Event) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, ev); err != nil {
		m.logger.Warn("notify failed", "kind", ev.Kind, "tenant", ev.TenantID, "err", err)
	}
}

// mergeSections overlays the non-nil sections of overlay onto base. A nil
// slice in overlay means "keep base"; an empty non-nil slice clears the
// section.
func mergeSections(base, overlay contracts.PolicyContent) contracts.PolicyContent {
	out := base
	if overlay.Workflows != nil {
		out.Workflows = overlay.Workflows
	}
	if overlay.Templates != nil {
		out.Templates = overlay.Templates
	}
	if overlay.DecisionTrees != nil {
		out.DecisionTrees = overlay.DecisionTrees
	}
	if overlay.Constraints != nil {
		out.Constraints = overlay.Constraints
	}
	return out
}
