package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists entitlement records. Apply is the only mutation path for
// existing records and must be atomic: the write succeeds only when the
// stored status still equals prev.Status, otherwise ErrStaleEntitlement.
type Store interface {
	// Get returns the entitlement for a user, or ErrNotFound.
	Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error)

	// Create inserts a new record, or ErrAlreadyExists.
	Create(ctx context.Context, ent *Entitlement) error

	// Apply replaces prev with next under a compare-and-set on
	// prev.Status and appends a history entry. resetUsage restarts the
	// usage counter at zero; otherwise the stored counter is preserved so
	// concurrent quota increments are not lost.
	Apply(ctx context.Context, prev, next *Entitlement, resetUsage bool, reason string) error

	// History returns applied transitions for a user, newest first.
	History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error)

	// ListLapsed returns users whose cancelled_pending entitlement has
	// expired as of now and should be moved to cancelled.
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
