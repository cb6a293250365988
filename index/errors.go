/*
errors.go - Error types for the index engine

PURPOSE:
  Sentinel errors for errors.Is() checks and structured errors that carry
  context. Packages built on top of index (calc, publish, estimation) wrap
  these rather than defining parallel "not found" or "conflict" errors.

ERROR CATEGORIES:
  1. Group-level - recovered inside a task (insufficient sample, malformed fact)
  2. Task-level - scope conflicts, queue pressure, cancellation
  3. Store-level - missing records, write conflicts

SEE ALSO:
  - aggregator.go: Produces group-level errors
  - calc/runner.go: Produces task-level errors
*/
package index

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientSample is returned for a group whose inlier count is
	// below the task's minimum. The group is skipped; the task continues.
	ErrInsufficientSample = errors.New("insufficient sample")

	// ErrMalformedFact is returned when a fact cannot contribute to statistics.
	ErrMalformedFact = errors.New("malformed fact")

	// ErrTaskConflict is returned when a task is submitted for a
	// (price base date, scope) that already has an active task.
	ErrTaskConflict = errors.New("an active task already holds this scope")

	// ErrQueueFull is returned when the runner cannot accept more work.
	ErrQueueFull = errors.New("task queue is full")

	// ErrTaskCancelled marks a task stopped on request.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrTaskNotActive is returned when cancelling a task that already finished.
	ErrTaskNotActive = errors.New("task is not active")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParams is returned for task parameters that fail validation.
	ErrInvalidParams = errors.New("invalid task parameters")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// GroupError reports why one dimension group produced no index.
type GroupError struct {
	Dimensions Dimensions
	Reason     string
	Err        error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s: %s", e.Dimensions, e.Reason)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// NotFoundError names the kind and id of a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFound returns a NotFoundError for kind/id.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is caused by concurrent work on the same scope.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTaskConflict)
}

// IsRecoverable returns true for group-level problems a task absorbs.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientSample) || errors.Is(err, ErrMalformedFact)
}
