// Package task implements the task lifecycle: the draft-to-effectful state
// machine, its durable stores, and the execution runner that feeds approved
// tasks to the external Executor.
package task

import (
	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// transitions is the complete lifecycle graph. Anything not listed here is
// an illegal transition and fails with *contracts.StateError.
var transitions = map[contracts.TaskStatus][]contracts.TaskStatus{
	contracts.TaskDraft:           {contracts.TaskPendingApproval, contracts.TaskRejected, contracts.TaskExpired},
	contracts.TaskPendingApproval: {contracts.TaskApproved, contracts.TaskRejected, contracts.TaskExpired},
	contracts.TaskApproved:        {contracts.TaskExecuting, contracts.TaskRejected, contracts.TaskExpired},
	contracts.TaskExecuting:       {contracts.TaskCompleted, contracts.TaskFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to contracts.TaskStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(s contracts.TaskStatus) bool {
	return len(transitions[s]) == 0
}

// expirableStatuses are the states the bulk expiry sweep may act on. Once a
// task is EXECUTING the external Executor owns completion; expiry keeps its
// hands off.
var expirableStatuses = []contracts.TaskStatus{
	contracts.TaskDraft,
	contracts.TaskPendingApproval,
	contracts.TaskApproved,
}

// cancellableStatuses are the states Cancel may act on. Same boundary: no
// cancellation authority once EXECUTING.
var cancellableStatuses = []contracts.TaskStatus{
	contracts.TaskDraft,
	contracts.TaskPendingApproval,
	contracts.TaskApproved,
}

func stateError(id string, actual, expected contracts.TaskStatus) error {
	return &contracts.StateError{Entity: "task", ID: id, Actual: string(actual), Expected: string(expected)}
}

// decisionFailure classifies a failed conditional decision update. If the
// task already carries a decision (or expired underneath us), the caller
// lost an optimistic race; anything else is a plain illegal transition.
func decisionFailure(id string, actual contracts.TaskStatus) error {
	switch actual {
	case contracts.TaskApproved, contracts.TaskRejected, contracts.TaskExpired:
		return &contracts.ConcurrencyConflict{Entity: "task", ID: id, Detail: "already decided as " + string(actual)}
	default:
		return stateError(id, actual, contracts.TaskPendingApproval)
	}
}
