// Package usage implements quota accounting for FAQ generation. The
// check-and-increment is a single atomic operation at the storage layer
// (a guarded UPDATE, or the equivalent under one lock in memory), never a
// read-then-write pair: two concurrent requests must not both pass the
// check and jointly exceed the limit.
package usage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/entitlement"
)

var (
	// ErrNoEntitlement means the user has no entitlement record at all.
	ErrNoEntitlement = errors.New("no entitlement for user")

	// ErrInactiveEntitlement means the entitlement exists but does not
	// grant usage (paused, past_due, or cancelled).
	ErrInactiveEntitlement = errors.New("entitlement is not active")

	// ErrQuotaExceeded is the expected denial when the monthly limit is
	// reached. Not an exceptional path: callers surface it to the user.
	ErrQuotaExceeded = errors.New("usage quota exceeded")

	ErrInvalidCount = errors.New("consume count must be positive")
)

// Quota is the usage position after an operation.
type Quota struct {
	Used  int
	Limit int
}

// Remaining returns how many generations are left in the cycle.
func (q Quota) Remaining() int {
	return max(q.Limit-q.Used, 0)
}

// Snapshot is a read-only view of the entitlement's usage state.
type Snapshot struct {
	Status entitlement.Status
	Quota  Quota
}

// Store is the storage contract for quota accounting.
type Store interface {
	// ConsumeIfAllowed atomically adds n to the usage counter when the
	// entitlement is active and the result stays within the limit.
	// ok reports whether the guarded update matched. The returned
	// snapshot reflects the state after the attempt either way, so a
	// denial can be classified without a second race window.
	ConsumeIfAllowed(ctx context.Context, userID uuid.UUID, n int) (Snapshot, bool, error)

	// Inspect returns the current usage state without mutating it.
	// Returns ErrNoEntitlement when the user has no record.
	Inspect(ctx context.Context, userID uuid.UUID) (Snapshot, error)
}

// Accountant enforces per-user monthly quotas.
type Accountant struct {
	store Store
}

// NewAccountant panics on a nil store to fail fast during initialization.
func NewAccountant(store Store) *Accountant {
	if store == nil {
		panic("usage: store is required")
	}
	return &Accountant{store: store}
}

// TryConsume attempts to spend n generations. On success the returned
// quota includes the increment. On denial the error classifies the reason
// and the quota reflects the untouched state.
func (a *Accountant) TryConsume(ctx context.Context, userID uuid.UUID, n int) (Quota, error) {
	if n <= 0 {
		return Quota{}, ErrInvalidCount
	}

	snap, ok, err := a.store.ConsumeIfAllowed(ctx, userID, n)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return Quota{}, ErrNoEntitlement
		}
		return Quota{}, err
	}
	if ok {
		return snap.Quota, nil
	}
	return snap.Quota, classifyDenial(snap, n)
}

// CanConsume reports whether n generations would currently be allowed.
// Advisory only: the answer can be stale by the time TryConsume runs, so
// callers must not rely on it for correctness. Intended for UI display.
func (a *Accountant) CanConsume(ctx context.Context, userID uuid.UUID, n int) (Quota, error) {
	if n <= 0 {
		return Quota{}, ErrInvalidCount
	}

	snap, err := a.store.Inspect(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return Quota{}, ErrNoEntitlement
		}
		return Quota{}, err
	}
	if denial := classifyDenial(snap, n); denial != nil {
		return snap.Quota, denial
	}
	return snap.Quota, nil
}

// Snapshot returns the current usage position without mutating it, for
// display alongside the entitlement.
func (a *Accountant) Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	snap, err := a.store.Inspect(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return Snapshot{}, ErrNoEntitlement
		}
		return Snapshot{}, err
	}
	return snap, nil
}

// GrantsUsage reports whether a status allows consuming quota. A
// cancelled_pending entitlement retains access until it lapses at
// expires_at, so it consumes like an active one.
func GrantsUsage(status entitlement.Status) bool {
	return status == entitlement.StatusActive || status == entitlement.StatusCancelledPending
}

func classifyDenial(snap Snapshot, n int) error {
	if !GrantsUsage(snap.Status) {
		return ErrInactiveEntitlement
	}
	if snap.Quota.Used+n > snap.Quota.Limit {
		return ErrQuotaExceeded
	}
	return nil
}
