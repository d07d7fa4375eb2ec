package policy

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// each pool connection would otherwise see its own empty :memory: db
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestManager(t *testing.T) (*Manager, *captureNotifier) {
	t.Helper()
	store, err := NewSQLiteVersionStore(newTestDB(t))
	require.NoError(t, err)
	n := &captureNotifier{}
	return NewManager(store, n, nil), n
}

type captureNotifier struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (c *captureNotifier) Publish(_ context.Context, ev contracts.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) kinds() []contracts.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

const tenant = "tenant-1"

func TestCreateDraftFirstVersion(t *testing.T) {
	mgr, notifier := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	doc, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{
		Content:   &content,
		CreatedBy: contracts.ActorTeleoperator,
		Changelog: "initial guidelines",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, contracts.PolicyDraft, doc.Status)
	assert.Empty(t, doc.ParentVersionID)
	require.Len(t, doc.Changelog, 1)
	assert.Equal(t, "initial guidelines", doc.Changelog[0].Note)

	drafts, err := mgr.GetDrafts(ctx, tenant, contracts.KindGuidelines)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, doc.ID, drafts[0].ID)

	assert.Equal(t, []contracts.EventKind{contracts.EventPolicyDraftCreated}, notifier.kinds())
}

func TestCreateDraftRejectsInvalidContent(t *testing.T) {
	mgr, _ := newTestManager(t)

	bad := validContent()
	bad.DecisionTrees[0].RootNodeID = "missing"
	_, err := mgr.CreateDraft(context.Background(), tenant, contracts.KindGuidelines, DraftSpec{Content: &bad})
	require.Error(t, err)
	assert.True(t, contracts.IsValidationError(err))

	drafts, err := mgr.GetDrafts(context.Background(), tenant, contracts.KindGuidelines)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestActivateRequiresDraft(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	doc, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{Content: &content})
	require.NoError(t, err)
	_, err = mgr.ActivateDraft(ctx, doc.ID)
	require.NoError(t, err)

	// already ACTIVE; activating again is a state error, not a conflict
	_, err = mgr.ActivateDraft(ctx, doc.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsStateError(err))
	assert.False(t, contracts.IsConflict(err))
}

func TestRejectDraftBurnsVersion(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	doc, err := mgr.CreateDraft(ctx, tenant, contracts.KindCriteria, DraftSpec{Content: &content})
	require.NoError(t, err)
	require.Equal(t, 1, doc.Version)

	require.NoError(t, mgr.RejectDraft(ctx, doc.ID, "tone too aggressive"))

	rejected, err := mgr.GetVersion(ctx, tenant, contracts.KindCriteria, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyRejected, rejected.Status)
	require.NotEmpty(t, rejected.Changelog)
	assert.Contains(t, rejected.Changelog[len(rejected.Changelog)-1].Note, "tone too aggressive")

	// rejecting twice fails: the draft is already decided
	err = mgr.RejectDraft(ctx, doc.ID, "again")
	require.Error(t, err)
	assert.True(t, contracts.IsStateError(err))

	next, err := mgr.CreateDraft(ctx, tenant, contracts.KindCriteria, DraftSpec{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version, "rejected version numbers are never reused")
}

func TestVersionNumbersAreMonotonic(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	for want := 1; want <= 5; want++ {
		doc, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{Content: &content})
		require.NoError(t, err)
		assert.Equal(t, want, doc.Version)
	}

	all, err := mgr.GetAllVersions(ctx, tenant, contracts.KindGuidelines)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, doc := range all {
		assert.Equal(t, i+1, doc.Version)
	}
}

// Guidelines v1 goes live, an agent proposes a patch, a teleoperator
// activates it: v2 becomes the single ACTIVE version and v1's archive
// instant equals v2's effective_from.
func TestGuidelinesLifecycleEndToEnd(t *testing.T) {
	mgr, notifier := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	v1, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{
		Content:   &content,
		CreatedBy: contracts.ActorTeleoperator,
	})
	require.NoError(t, err)
	v1Active, err := mgr.ActivateDraft(ctx, v1.ID)
	require.NoError(t, err)
	require.NotNil(t, v1Active.EffectiveFrom)
	assert.Nil(t, v1Active.EffectiveUntil)

	v2, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{
		Patch: []contracts.PatchOp{{
			Target: contracts.PatchTarget{Collection: "templates", ItemID: "intro", Field: "body"},
			Op:     contracts.PatchModify,
			Value:  mustJSON(t, "Hi {{first_name}}, quick note about {{project}}."),
		}},
		CreatedBy: contracts.ActorAgent,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.ParentVersionID)
	// untouched sections carry over from the active version
	assert.Equal(t, v1Active.Content.Workflows, v2.Content.Workflows)
	// auto-generated changelog names the modified item
	require.NotEmpty(t, v2.Changelog)
	assert.Contains(t, v2.Changelog[0].Note, "~templates/intro")

	v2Active, err := mgr.ActivateDraft(ctx, v2.ID)
	require.NoError(t, err)

	active, err := mgr.GetActive(ctx, tenant, contracts.KindGuidelines)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.Equal(t, "Hi {{first_name}}, quick note about {{project}}.", active.Content.Templates[0].Body)

	archived, err := mgr.GetVersion(ctx, tenant, contracts.KindGuidelines, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyArchived, archived.Status)
	require.NotNil(t, archived.EffectiveUntil)
	require.NotNil(t, v2Active.EffectiveFrom)
	assert.True(t, archived.EffectiveUntil.Equal(*v2Active.EffectiveFrom),
		"archival and activation share one instant")

	assert.Equal(t, []contracts.EventKind{
		contracts.EventPolicyDraftCreated,
		contracts.EventPolicyDraftCreated,
	}, notifier.kinds())
}

func TestActivationRaceLeavesOneActive(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	var ids []string
	for i := 0; i < 4; i++ {
		doc, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{Content: &content})
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = mgr.ActivateDraft(ctx, id)
		}(id)
	}
	wg.Wait()

	all, err := mgr.GetAllVersions(ctx, tenant, contracts.KindGuidelines)
	require.NoError(t, err)
	activeCount := 0
	for _, doc := range all {
		if doc.Status == contracts.PolicyActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one ACTIVE version regardless of interleaving")
}

func TestGetActiveMissingIsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.GetActive(context.Background(), "unknown-tenant", contracts.KindCriteria)
	require.Error(t, err)
	assert.True(t, contracts.IsNotFound(err))
}

func TestCreateDraftContentOverlayReplacesSections(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	content := validContent()
	v1, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{Content: &content})
	require.NoError(t, err)
	_, err = mgr.ActivateDraft(ctx, v1.ID)
	require.NoError(t, err)

	overlay := contracts.PolicyContent{
		Templates: []contracts.TemplateItem{{ID: "short", Name: "Short", Body: "Hey"}},
	}
	v2, err := mgr.CreateDraft(ctx, tenant, contracts.KindGuidelines, DraftSpec{Content: &overlay})
	require.NoError(t, err)

	require.Len(t, v2.Content.Templates, 1)
	assert.Equal(t, "short", v2.Content.Templates[0].ID)
	// sections the overlay left nil are inherited
	assert.Len(t, v2.Content.Workflows, 1)
	assert.Len(t, v2.Content.Constraints, 1)
}
