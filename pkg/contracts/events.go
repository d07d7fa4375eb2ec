package contracts

import "context"

// EventKind names a governance event published to external channels.
type EventKind string

const (
	EventTaskQueued         EventKind = "task_queued"
	EventUrgentEscalation   EventKind = "urgent_escalation"
	EventPolicyDraftCreated EventKind = "policy_draft_created"
	EventTaskDecided        EventKind = "task_decided"
	EventTasksExpired       EventKind = "tasks_expired"
)

// Event is a best-effort notification. Delivery failure never affects task
// or policy state.
type Event struct {
	Kind     EventKind      `json:"kind"`
	TenantID string         `json:"tenant_id"`
	TaskID   string         `json:"task_id,omitempty"`
	PolicyID string         `json:"policy_id,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events to external channel adapters, fire-and-forget.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}
