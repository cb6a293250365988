package publish

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrVersionConflict is returned when another writer is working on the
	// same version, or the version changed since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow from the current status.
	ErrInvalidTransition = errors.New("invalid version transition")

	// ErrEmptyVersion is returned when submitting a version without indexes.
	ErrEmptyVersion = errors.New("version has no indexes")

	// ErrBlockingReviewItems is returned when approving a version that still
	// has unresolved blocking review items.
	ErrBlockingReviewItems = errors.New("unresolved blocking review items")

	// ErrPrecheckFailed is returned when publishing a version whose precheck
	// has blocking failures.
	ErrPrecheckFailed = errors.New("publish precheck failed")

	// ErrTaskNotCompleted is returned when building a version from a task
	// that has not completed.
	ErrTaskNotCompleted = errors.New("task not completed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError describes a rejected state change.
type TransitionError struct {
	VersionID string
	From      VersionStatus
	To        VersionStatus
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("version %s: %s -> %s: %v", e.VersionID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// PrecheckError carries the failed precheck.
type PrecheckError struct {
	Precheck Precheck
}

func (e *PrecheckError) Error() string {
	var failed []string
	for _, item := range e.Precheck.Items {
		if item.Blocking && !item.Passed {
			failed = append(failed, item.Code)
		}
	}
	return fmt.Sprintf("publish precheck failed: %s", strings.Join(failed, ", "))
}

func (e *PrecheckError) Unwrap() error {
	return ErrPrecheckFailed
}

// IsConflict returns true for errors a client may resolve by retrying later.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true for lifecycle rule violations.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrEmptyVersion) ||
		errors.Is(err, ErrBlockingReviewItems) ||
		errors.Is(err, ErrPrecheckFailed) ||
		errors.Is(err, ErrTaskNotCompleted)
}
