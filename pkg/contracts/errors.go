package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed policy content. It blocks draft creation
// and activation; the caller gets the full issue list, not a generic failure.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy content invalid: %s", strings.Join(e.Issues, "; "))
}

// StateError reports an illegal lifecycle transition attempt on a task or
// policy document. It names the actual and expected states so the caller can
// see which guard failed.
type StateError struct {
	Entity   string
	ID       string
	Actual   string
	Expected string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s, expected %s", e.Entity, e.ID, e.Actual, e.Expected)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConcurrencyConflict reports the losing side of an optimistic check: a
// concurrent decision or activation landed first. The caller should refetch
// and retry; the core never retries these internally on the caller's behalf.
type ConcurrencyConflict struct {
	Entity string
	ID     string
	Detail string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrent update on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// ExternalFailure wraps an error (or recovered panic) from an external
// capability. It is caught at the call site and absorbed into iteration
// accounting or execution records, never propagated as a crash.
type ExternalFailure struct {
	Capability string
	Err        error
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("%s capability failed: %v", e.Capability, e.Err)
}

func (e *ExternalFailure) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConcurrencyConflict.
func IsConflict(err error) bool {
	var cc *ConcurrencyConflict
	return errors.As(err, &cc)
}

// IsStateError reports whether err is a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
