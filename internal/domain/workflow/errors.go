package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a trigger is not legal from the current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when every guard for a permitted trigger fails
	ErrGuardFailed = errors.New("guard condition failed")

	// ErrValidation is returned for malformed or incomplete requisition data
	ErrValidation = errors.New("validation failed")

	// ErrNotAuthorized is returned when the actor lacks authority for the transition
	ErrNotAuthorized = errors.New("not authorized")

	// ErrRoutingGap is returned when no approver is configured for a required level
	ErrRoutingGap = errors.New("routing gap")

	// ErrConcurrencyConflict is returned when a concurrent transition won the race
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned when a requisition does not exist
	ErrNotFound = errors.New("requisition not found")

	// ErrLedgerCorrupt is returned when a ledger cannot be replayed
	ErrLedgerCorrupt = errors.New("ledger corrupt")
)

// ValidationError lists the offending fields of a rejected requisition
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RoutingGapError reports a required approval level with no configured approver
type RoutingGapError struct {
	Department string
	Level      int
}

func (e *RoutingGapError) Error() string {
	if e.Level == 0 {
		return fmt.Sprintf("%s: no routing policy for department %q", ErrRoutingGap, e.Department)
	}
	return fmt.Sprintf("%s: no approver configured for department %q level %d", ErrRoutingGap, e.Department, e.Level)
}

func (e *RoutingGapError) Unwrap() error {
	return ErrRoutingGap
}
