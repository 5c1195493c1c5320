package usage

import (
	"context"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/entitlement"
)

// MemoryStore adapts entitlement.MemoryStore to the usage Store contract
// for tests and local development. Atomicity comes from the underlying
// store's lock, mirroring the row lock the SQL store relies on.
type MemoryStore struct {
	ents *entitlement.MemoryStore
}

func NewMemoryStore(ents *entitlement.MemoryStore) *MemoryStore {
	if ents == nil {
		panic("usage: entitlement memory store is required")
	}
	return &MemoryStore{ents: ents}
}

func (s *MemoryStore) ConsumeIfAllowed(ctx context.Context, userID uuid.UUID, n int) (Snapshot, bool, error) {
	ent, ok, err := s.ents.Update(ctx, userID, func(ent *entitlement.Entitlement) bool {
		if !GrantsUsage(ent.Status) {
			return false
		}
		if ent.UsageCurrent+n > ent.UsageLimit {
			return false
		}
		ent.UsageCurrent += n
		return true
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshotOf(ent), ok, nil
}

func (s *MemoryStore) Inspect(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	ent, err := s.ents.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(ent), nil
}

func snapshotOf(ent *entitlement.Entitlement) Snapshot {
	return Snapshot{
		Status: ent.Status,
		Quota:  Quota{Used: ent.UsageCurrent, Limit: ent.UsageLimit},
	}
}
