// Package cancellation implements the cancellation and reactivation
// protocol. Cancellation is remote-first: when a gateway subscription is
// bound, the gateway must accept the cancel before any local state
// changes, so a gateway timeout never leaves the two sides diverged.
// Every cancel action appends an immutable record for audit.
package cancellation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCancellationNotAllowed = errors.New("entitlement cannot be cancelled from its current status")
	ErrReactivationNotAllowed = errors.New("only a cancellation pending at cycle end can be reactivated")
)

// Record is one cancel action. Append-only, never mutated.
type Record struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Reason      string
	Immediate   bool
	RequestedAt time.Time
	EffectiveAt time.Time
}

// Store persists cancellation records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error)
}
