package contracts

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskDraft           TaskStatus = "DRAFT"
	TaskPendingApproval TaskStatus = "PENDING_APPROVAL"
	TaskApproved        TaskStatus = "APPROVED"
	TaskRejected        TaskStatus = "REJECTED"
	TaskExecuting       TaskStatus = "EXECUTING"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailed          TaskStatus = "FAILED"
	TaskExpired         TaskStatus = "EXPIRED"
)

// TaskPriority orders tasks within the approval queue and the execution
// feed. Stored as an integer so SQL can sort on it directly.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[TaskPriority]string{
	PriorityLow:    "LOW",
	PriorityMedium: "MEDIUM",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p TaskPriority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "MEDIUM"
}

// ParseTaskPriority maps a priority name to its value. Unknown names map to
// MEDIUM rather than failing; priority is advisory, not structural.
func ParseTaskPriority(s string) TaskPriority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityMedium
}

// EscalationReason explains why a task was routed for human attention.
type EscalationReason string

const (
	EscalationNone             EscalationReason = ""
	EscalationLowConfidence    EscalationReason = "LOW_CONFIDENCE"
	EscalationPolicyViolation  EscalationReason = "POLICY_VIOLATION"
	EscalationHighImpact       EscalationReason = "HIGH_IMPACT"
	EscalationManualReview     EscalationReason = "MANUAL_REVIEW"
	EscalationBudgetExceeded   EscalationReason = "BUDGET_EXCEEDED"
	EscalationRepeatedFailures EscalationReason = "REPEATED_FAILURES"
)

// Task is one unit of proposed work. It is born as a sandboxed DRAFT from the
// inner loop and only becomes effectful after a teleoperator approves it.
// Tasks are never hard-deleted; EXPIRED is the only terminal destroy path.
//
// AssignedTo is a soft, non-exclusive claim recorded by the approval queue;
// DecidedBy is the teleoperator whose decision actually landed. The two are
// deliberately distinct fields.
type Task struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Type             string           `json:"type"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	Status           TaskStatus       `json:"status"`
	Effectful        bool             `json:"effectful"`
	Priority         TaskPriority     `json:"priority"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`

	Iterations int  `json:"iterations"`
	Converged  bool `json:"converged"`

	AssignedTo      string     `json:"assigned_to,omitempty"`
	DecidedBy       string     `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ExecutionResult json.RawMessage `json:"execution_result,omitempty"`
	ExecutionError  string          `json:"execution_error,omitempty"`

	// Policy versions in force when the task was generated and validated,
	// kept for reproducibility and audit.
	GuidelinesVersionID string `json:"guidelines_version_id,omitempty"`
	CriteriaVersionID   string `json:"criteria_version_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovedBy returns the deciding teleoperator when the decision was an
// approval, otherwise "".
func (t *Task) ApprovedBy() string {
	if t.ApprovedAt != nil {
		return t.DecidedBy
	}
	return ""
}

// RejectedBy returns the deciding teleoperator when the decision was a
// rejection, otherwise "".
func (t *Task) RejectedBy() string {
	if t.RejectedAt != nil {
		return t.DecidedBy
	}
	return ""
}
