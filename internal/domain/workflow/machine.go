package workflow

import "context"

// Transition describes a state change produced by firing a trigger
type Transition struct {
	From    State
	To      State
	Trigger Trigger
}

// IsReentry reports whether the transition stays in the same state
func (t Transition) IsReentry() bool {
	return t.From == t.To
}

// StateMachine tracks a current state and validates transitions against
// the configured table
type StateMachine interface {
	// State returns the current state
	State() State

	// CanFire returns true if the trigger is configured for the current state.
	// Guards are not evaluated.
	CanFire(trigger Trigger) bool

	// Fire evaluates guards in configuration order and moves to the first
	// transition whose guard passes
	Fire(ctx context.Context, trigger Trigger) (Transition, error)

	// PermittedTriggers returns all triggers configured for the current state
	PermittedTriggers() []Trigger
}
