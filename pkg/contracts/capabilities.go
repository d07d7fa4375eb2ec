package contracts

import (
	"context"
	"encoding/json"
)

// GeneratedOutput is what the external Generator produces for one iteration.
type GeneratedOutput struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Format   string          `json:"format,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// IssueSeverity grades a validation issue.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
	SeverityInfo    IssueSeverity = "info"
)

// Issue is one problem the validator found in a generated output.
type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Code     string        `json:"code,omitempty"`
	Message  string        `json:"message"`
	Path     string        `json:"path,omitempty"`
}

// ValidationResult is the validator's judgment of one output. The pass/fail
// aggregation rule is uniform across task types: an output is acceptable iff
// Score meets the engine's threshold and no issue has severity "error".
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Score  float64 `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// LearningKind classifies what a learning suggests changing.
type LearningKind string

const (
	// LearningGuidelineUpdate proposes a patch to the active Guidelines.
	// The inner loop files it as a policy draft; it never activates it.
	LearningGuidelineUpdate LearningKind = "guideline_update"
	// LearningObservation is recorded context with no policy effect.
	LearningObservation LearningKind = "observation"
)

// Learning is extracted from validation issues after a failed iteration.
type Learning struct {
	Kind    LearningKind `json:"kind"`
	Summary string       `json:"summary"`
	Patch   []PatchOp    `json:"patch,omitempty"`
}

// Generator drafts content for a task. Implementations (LLM calls, template
// expansion) live outside the core.
type Generator interface {
	Generate(ctx context.Context, taskType string, taskContext map[string]any, guidelines *PolicyDocument) (*GeneratedOutput, error)
}

// Validator scores an output against the active Criteria. Implementations
// are task-specific and live outside the core.
type Validator interface {
	Validate(ctx context.Context, output *GeneratedOutput, criteria *PolicyDocument) (*ValidationResult, error)
}

// LearningExtractor turns validation issues into learnings. Task-specific;
// a nil extractor means the loop learns nothing between iterations.
type LearningExtractor interface {
	Extract(ctx context.Context, output *GeneratedOutput, issues []Issue) ([]Learning, error)
}

// ExecutionResult is what the external Executor returns for an approved task.
type ExecutionResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Executor performs the actual side effect of an approved task (send the
// message, create the event). The core invokes it only for tasks in the
// APPROVED state and records the outcome; it never implements the effect.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}
