// Package idempotency records processed gateway event ids so retried
// webhook deliveries are no-ops. The unique constraint on the event id is
// the mechanism of truth: a duplicate insert resolves to Duplicate, never
// to an error the caller must interpret.
package idempotency

import (
	"context"
	"errors"
)

// Outcome of recording an event id.
type Outcome int

const (
	// New means the event id has not been seen; the caller proceeds.
	New Outcome = iota
	// Duplicate means the event was already processed; the caller
	// acknowledges without touching state.
	Duplicate
)

var ErrEmptyEventID = errors.New("event id is required")

// Ledger gates event processing by event id.
type Ledger interface {
	// RecordIfNew atomically records eventID. Exactly one concurrent
	// caller observes New for a given id; everyone else gets Duplicate.
	RecordIfNew(ctx context.Context, eventID string) (Outcome, error)

	// Forget releases a recorded event id. Called when processing fails
	// after the id was recorded, so the gateway's retry of the same
	// delivery is not swallowed as a duplicate.
	Forget(ctx context.Context, eventID string) error
}
