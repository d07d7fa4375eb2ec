package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

func validContent() contracts.PolicyContent {
	return contracts.PolicyContent{
		Workflows: []contracts.WorkflowItem{
			{ID: "outreach", Name: "Outreach", Steps: []contracts.WorkflowStep{
				{ID: "s1", Action: "search"},
				{ID: "s2", Action: "draft_message"},
			}},
		},
		Templates: []contracts.TemplateItem{
			{ID: "intro", Name: "Intro", Body: "Hi {{first_name}}, saw your work on {{project}}.", Variables: []string{"first_name", "project"}},
		},
		DecisionTrees: []contracts.DecisionTree{
			{ID: "screening", Name: "Screening", RootNodeID: "root", Nodes: map[string]contracts.TreeNode{
				"root": {ID: "root", Question: "Senior?", Branches: map[string]string{"yes": "fit", "no": "pass"}},
				"fit":  {ID: "fit", Outcome: "advance"},
				"pass": {ID: "pass", Outcome: "decline"},
			}},
		},
		Constraints: []contracts.ConstraintItem{
			{ID: "screening", Name: "Screening constraints", Params: map[string]any{"evidence_requirements": "two sources"}},
		},
	}
}

func TestValidateAcceptsWellFormedContent(t *testing.T) {
	require.NoError(t, Validate(validContent()))
}

func TestValidateEmptyContentIsValid(t *testing.T) {
	require.NoError(t, Validate(contracts.PolicyContent{}))
}

func TestValidateRejectsMissingIDAndName(t *testing.T) {
	c := validContent()
	c.Constraints = append(c.Constraints, contracts.ConstraintItem{Rule: "nameless"})

	err := Validate(c)
	require.Error(t, err)
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Issues)
}

func TestValidateRejectsUnresolvableRootNode(t *testing.T) {
	c := validContent()
	c.DecisionTrees[0].RootNodeID = "missing"

	err := Validate(c)
	require.Error(t, err)
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Issues[0], `root node "missing"`)
}

func TestValidateRejectsDanglingBranchTarget(t *testing.T) {
	c := validContent()
	nodes := c.DecisionTrees[0].Nodes
	root := nodes["root"]
	root.Branches = map[string]string{"yes": "nowhere"}
	nodes["root"] = root

	err := Validate(c)
	require.Error(t, err)
}

func TestValidateRejectsUndeclaredTemplateVariable(t *testing.T) {
	c := validContent()
	c.Templates[0].Body = "Hi {{first_name}}, about {{undeclared_var}}"

	err := Validate(c)
	require.Error(t, err)
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Issues[0], "undeclared_var")
}

func TestValidateRejectsDuplicateItemIDs(t *testing.T) {
	c := validContent()
	c.Workflows = append(c.Workflows, contracts.WorkflowItem{ID: "outreach", Name: "Duplicate"})

	err := Validate(c)
	require.Error(t, err)
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Issues[0], "duplicate")
}
