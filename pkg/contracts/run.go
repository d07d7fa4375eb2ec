package contracts

import "time"

// LoopRun records one generate/validate/learn pass of the inner loop for a
// task. It exists for audit: given a task, the run tells you how many
// iterations it took, whether it converged, and the last score seen.
type LoopRun struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	TaskID     string    `json:"task_id"`
	TaskType   string    `json:"task_type"`
	Iterations int       `json:"iterations"`
	Converged  bool      `json:"converged"`
	FinalScore float64   `json:"final_score"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
