package estimation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrFallbackExhausted is returned when no ladder rung matches an index.
	ErrFallbackExhausted = errors.New("no index found at any fallback level")

	// ErrFreezeViolation is returned when a locked scenario would change.
	ErrFreezeViolation = errors.New("scenario is locked")

	// ErrUnknownTag is returned for a function tag missing from the dictionary.
	ErrUnknownTag = errors.New("unknown function tag")

	// ErrVersionNotPublished is returned when binding a scenario to a version
	// estimation may not read.
	ErrVersionNotPublished = errors.New("index version not published")

	// ErrNoPublishedVersion is returned when no version is current.
	ErrNoPublishedVersion = errors.New("no published index version")

	ErrInvalidInput = errors.New("invalid estimation input")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FallbackExhaustedError carries the rungs that were tried.
type FallbackExhaustedError struct {
	Target Target
	Path   []Level
}

func (e *FallbackExhaustedError) Error() string {
	levels := make([]string, len(e.Path))
	for i, l := range e.Path {
		levels[i] = string(l)
	}
	return fmt.Sprintf("%s: tried %s: %v", e.Target, strings.Join(levels, ","), ErrFallbackExhausted)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return ErrFallbackExhausted
}

// FreezeViolationError describes a rejected change to a locked scenario.
type FreezeViolationError struct {
	ScenarioID string
	Reason     string
}

func (e *FreezeViolationError) Error() string {
	return fmt.Sprintf("scenario %s: %s: %v", e.ScenarioID, e.Reason, ErrFreezeViolation)
}

func (e *FreezeViolationError) Unwrap() error {
	return ErrFreezeViolation
}

// IsFreezeViolation reports whether err rejects a change to a locked scenario.
func IsFreezeViolation(err error) bool {
	return errors.Is(err, ErrFreezeViolation)
}

// IsClientError returns true for errors caused by the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrVersionNotPublished) ||
		errors.Is(err, ErrNoPublishedVersion)
}
