// Package contracts defines the shared domain types for the Crewline
// governance core: versioned policy documents, the task lifecycle, loop runs,
// the external capability interfaces, and the error taxonomy.
//
// Everything in this package is tenant-scoped. No operation in the core ever
// crosses a tenant boundary.
package contracts

import (
	"encoding/json"
	"time"
)

// PolicyKind distinguishes the two policy document families.
type PolicyKind string

const (
	// KindGuidelines are behavior rules consumed by the generator.
	KindGuidelines PolicyKind = "GUIDELINES"
	// KindCriteria are the quality rubric consumed by the validator.
	KindCriteria PolicyKind = "CRITERIA"
)

// PolicyStatus is the lifecycle state of a policy document version.
type PolicyStatus string

const (
	PolicyDraft    PolicyStatus = "DRAFT"
	PolicyActive   PolicyStatus = "ACTIVE"
	PolicyArchived PolicyStatus = "ARCHIVED"
	PolicyRejected PolicyStatus = "REJECTED"
)

// ActorKind identifies who created or decided something.
type ActorKind string

const (
	ActorAgent        ActorKind = "AGENT"
	ActorTeleoperator ActorKind = "TELEOPERATOR"
	ActorSystem       ActorKind = "SYSTEM"
)

// ChangelogEntry is one line of a policy document's history.
type ChangelogEntry struct {
	At    time.Time `json:"at"`
	Actor ActorKind `json:"actor"`
	Note  string    `json:"note"`
}

// PolicyDocument is one immutable version of a tenant's Guidelines or
// Criteria. At most one version per (tenant, kind) is ACTIVE at any instant;
// versions are strictly increasing and never reused, including versions of
// rejected drafts.
type PolicyDocument struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Kind            PolicyKind       `json:"kind"`
	Version         int              `json:"version"`
	Status          PolicyStatus     `json:"status"`
	Content         PolicyContent    `json:"content"`
	CreatedBy       ActorKind        `json:"created_by"`
	Changelog       []ChangelogEntry `json:"changelog,omitempty"`
	ParentVersionID string           `json:"parent_version_id,omitempty"`
	EffectiveFrom   *time.Time       `json:"effective_from,omitempty"`
	EffectiveUntil  *time.Time       `json:"effective_until,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// PolicyContent is the typed body of a policy document. Each collection is
// keyed by the stable ID its items carry; diffing and patching operate on
// those IDs, never on positions.
type PolicyContent struct {
	Workflows     []WorkflowItem   `json:"workflows,omitempty"`
	Templates     []TemplateItem   `json:"templates,omitempty"`
	DecisionTrees []DecisionTree   `json:"decision_trees,omitempty"`
	Constraints   []ConstraintItem `json:"constraints,omitempty"`
}

// WorkflowItem describes a named multi-step procedure.
type WorkflowItem struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps,omitempty"`
}

// WorkflowStep is one step of a workflow.
type WorkflowStep struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// TemplateItem is a parameterized text template. Every {{variable}} used in
// Body must be declared in Variables.
type TemplateItem struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Body      string   `json:"body"`
	Variables []string `json:"variables,omitempty"`
}

// DecisionTree is a rooted question/branch graph. RootNodeID must resolve to
// a key of Nodes, as must every branch target.
type DecisionTree struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	RootNodeID string              `json:"root_node_id"`
	Nodes      map[string]TreeNode `json:"nodes"`
}

// TreeNode is one node of a decision tree. Interior nodes carry Branches
// (answer -> next node id); leaves carry an Outcome.
type TreeNode struct {
	ID       string            `json:"id"`
	Question string            `json:"question,omitempty"`
	Branches map[string]string `json:"branches,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
}

// ConstraintItem is a named rule with free-form parameters.
type ConstraintItem struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Rule   string         `json:"rule,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// PatchTarget addresses a location inside PolicyContent. Segments are typed
// rather than parsed out of a string path, so a malformed address fails
// validation instead of silently matching nothing.
type PatchTarget struct {
	// Collection is one of "workflows", "templates", "decision_trees",
	// "constraints".
	Collection string `json:"collection"`
	// ItemID addresses an item within the collection. Empty for
	// collection-level adds.
	ItemID string `json:"item_id,omitempty"`
	// Field addresses a field within the item (e.g. "name", "params").
	Field string `json:"field,omitempty"`
	// Key addresses an entry within a map-valued field.
	Key string `json:"key,omitempty"`
}

// PatchOperation is the kind of change a PatchOp makes.
type PatchOperation string

const (
	PatchAdd    PatchOperation = "ADD"
	PatchModify PatchOperation = "MODIFY"
	PatchRemove PatchOperation = "REMOVE"
)

// PatchOp is one typed edit to policy content.
type PatchOp struct {
	Target PatchTarget     `json:"target"`
	Op     PatchOperation  `json:"op"`
	Value  json.RawMessage `json:"value,omitempty"`
}
