// Package statemachine implements a table-driven finite state machine for
// records whose current state lives in external storage. The machine does
// not hold state itself: callers pass the current state with each event and
// receive the target state, which keeps concurrent request handlers from
// sharing mutable in-process state.
package statemachine

import "context"

// State identifies a state by name.
type State interface {
	Name() string
}

// Event identifies an event that may trigger a transition.
type Event interface {
	Name() string
}

// Guard evaluates whether a transition is allowed given runtime data.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Transition defines a state change triggered by an event.
type Transition struct {
	From   State
	To     State
	Event  Event
	Guards []Guard // all must pass
}

// StringState is a string-backed State for the common case.
type StringState string

func (s StringState) Name() string { return string(s) }

// StringEvent is a string-backed Event for the common case.
type StringEvent string

func (e StringEvent) Name() string { return string(e) }

// Machine resolves (state, event) pairs to target states. Safe for
// concurrent use: the transition table is immutable after construction.
type Machine struct {
	// transitions[fromState][eventName] holds candidates in registration
	// order; the first one whose guards all pass wins.
	transitions map[string]map[string][]Transition
}

// New builds a Machine from a transition table.
func New(transitions []Transition) (*Machine, error) {
	m := &Machine{transitions: make(map[string]map[string][]Transition)}
	for _, t := range transitions {
		if t.From == nil || t.To == nil || t.Event == nil {
			return nil, ErrInvalidTransition
		}
		from := t.From.Name()
		if _, ok := m.transitions[from]; !ok {
			m.transitions[from] = make(map[string][]Transition)
		}
		event := t.Event.Name()
		m.transitions[from][event] = append(m.transitions[from][event], t)
	}
	return m, nil
}

// MustNew is New that panics on a malformed table. Transition tables are
// static program data, so a bad table should stop startup.
func MustNew(transitions []Transition) *Machine {
	m, err := New(transitions)
	if err != nil {
		panic(err)
	}
	return m
}

// Resolve returns the target state for firing event from the given state.
// It returns ErrNoTransitionAvailable when the table has no entry for the
// pair and ErrTransitionRejected when every candidate is blocked by guards.
func (m *Machine) Resolve(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil || event == nil {
		return nil, ErrInvalidTransition
	}

	candidates, ok := m.transitions[from.Name()][event.Name()]
	if !ok || len(candidates) == 0 {
		return nil, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	for _, t := range candidates {
		if guardsPass(ctx, t, from, event, data) {
			return t.To, nil
		}
	}
	return nil, NewErrTransitionRejected(from.Name(), event.Name())
}

// CanResolve reports whether Resolve would succeed, without firing anything.
func (m *Machine) CanResolve(ctx context.Context, from State, event Event, data any) bool {
	_, err := m.Resolve(ctx, from, event, data)
	return err == nil
}

func guardsPass(ctx context.Context, t Transition, from State, event Event, data any) bool {
	for _, guard := range t.Guards {
		if guard != nil && !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
