package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

func TestDiffIdenticalContentIsEmpty(t *testing.T) {
	c := validContent()
	d := Diff(c, c)
	assert.True(t, d.Empty())
	assert.Equal(t, "0 added, 0 removed, 0 modified", d.Summary())
}

func TestDiffAddedRemovedModified(t *testing.T) {
	before := contracts.PolicyContent{
		Templates: []contracts.TemplateItem{
			{ID: "intro", Name: "Intro", Body: "Hello"},
			{ID: "follow_up", Name: "Follow up", Body: "Circling back"},
		},
	}
	after := contracts.PolicyContent{
		Templates: []contracts.TemplateItem{
			{ID: "intro", Name: "Intro", Body: "Hello there"},
			{ID: "closing", Name: "Closing", Body: "Thanks"},
		},
	}

	d := Diff(before, after)
	require.Len(t, d.Added, 1)
	require.Len(t, d.Removed, 1)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, ItemChange{Collection: "templates", ItemID: "closing"}, d.Added[0])
	assert.Equal(t, ItemChange{Collection: "templates", ItemID: "follow_up"}, d.Removed[0])
	assert.Equal(t, ItemChange{Collection: "templates", ItemID: "intro"}, d.Modified[0])
	assert.Equal(t, "1 added, 1 removed, 1 modified", d.Summary())
}

// Items compare by canonical form, so reordering a params map or the items
// within a collection must not register as a modification.
func TestDiffIgnoresOrderingDifferences(t *testing.T) {
	before := contracts.PolicyContent{
		Constraints: []contracts.ConstraintItem{
			{ID: "a", Name: "A", Params: map[string]any{"x": "1", "y": "2"}},
			{ID: "b", Name: "B"},
		},
	}
	after := contracts.PolicyContent{
		Constraints: []contracts.ConstraintItem{
			{ID: "b", Name: "B"},
			{ID: "a", Name: "A", Params: map[string]any{"y": "2", "x": "1"}},
		},
	}
	assert.True(t, Diff(before, after).Empty())
}

func TestDiffSpansCollections(t *testing.T) {
	before := contracts.PolicyContent{
		Workflows: []contracts.WorkflowItem{{ID: "outreach", Name: "Outreach"}},
	}
	after := contracts.PolicyContent{
		Workflows:   []contracts.WorkflowItem{{ID: "outreach", Name: "Outreach"}},
		Constraints: []contracts.ConstraintItem{{ID: "tone", Name: "Tone"}},
	}

	d := Diff(before, after)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "constraints", d.Added[0].Collection)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Modified)
}
