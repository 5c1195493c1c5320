package statemachine

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition reports a malformed table entry or a nil state or
// event passed to Resolve.
var ErrInvalidTransition = errors.New("statemachine: from, to, and event are required")

// ErrNoTransitionAvailable means the table has no entry for the
// state/event pair.
type ErrNoTransitionAvailable struct{ StateName, EventName string }

func NewErrNoTransitionAvailable(state, event string) *ErrNoTransitionAvailable {
	return &ErrNoTransitionAvailable{StateName: state, EventName: event}
}

func (e *ErrNoTransitionAvailable) Error() string {
	return fmt.Sprintf("statemachine: no transition from %q on %q", e.StateName, e.EventName)
}

// ErrTransitionRejected means candidates exist but every one was blocked
// by its guards.
type ErrTransitionRejected struct{ StateName, EventName string }

func NewErrTransitionRejected(state, event string) *ErrTransitionRejected {
	return &ErrTransitionRejected{StateName: state, EventName: event}
}

func (e *ErrTransitionRejected) Error() string {
	return fmt.Sprintf("statemachine: transition from %q on %q rejected by guards", e.StateName, e.EventName)
}

func IsNoTransitionAvailableError(err error) bool {
	var e *ErrNoTransitionAvailable
	return errors.As(err, &e)
}

func IsTransitionRejectedError(err error) bool {
	var e *ErrTransitionRejected
	return errors.As(err, &e)
}
