package entitlement

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store for tests and local
// development. It reproduces the same compare-and-set semantics as the
// PostgreSQL store under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Entitlement
	history []HistoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Entitlement)}
}

func (s *MemoryStore) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return ent.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, ent *Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[ent.UserID]; ok {
		return ErrAlreadyExists
	}
	s.records[ent.UserID] = ent.Clone()
	return nil
}

func (s *MemoryStore) Apply(ctx context.Context, prev, next *Entitlement, resetUsage bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[prev.UserID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != prev.Status {
		return ErrStaleEntitlement
	}

	stored := next.Clone()
	if resetUsage {
		stored.UsageCurrent = 0
	} else {
		// Preserve the live counter; quota increments may have landed
		// since the caller read the record.
		stored.UsageCurrent = current.UsageCurrent
	}
	s.records[prev.UserID] = stored

	s.history = append(s.history, HistoryEntry{
		ID:           uuid.New(),
		UserID:       prev.UserID,
		TierBefore:   prev.PlanTier,
		TierAfter:    stored.PlanTier,
		StatusBefore: prev.Status,
		StatusAfter:  stored.Status,
		Reason:       reason,
		EffectiveAt:  stored.UpdatedAt,
	})
	return nil
}

func (s *MemoryStore) History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []HistoryEntry
	for _, entry := range s.history {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	slices.Reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var userIDs []uuid.UUID
	for userID, ent := range s.records {
		if ent.Status == StatusCancelledPending && ent.ExpiresAt != nil && !ent.ExpiresAt.After(now) {
			userIDs = append(userIDs, userID)
			if limit > 0 && len(userIDs) >= limit {
				break
			}
		}
	}
	return userIDs, nil
}

// Update runs fn against the stored record under the store lock and keeps
// the result when fn reports true. It gives the usage accountant the same
// single-statement atomicity the SQL store gets from a guarded UPDATE.
// Returns ErrNotFound when the user has no record.
func (s *MemoryStore) Update(ctx context.Context, userID uuid.UUID, fn func(ent *Entitlement) bool) (*Entitlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[userID]
	if !ok {
		return nil, false, ErrNotFound
	}

	candidate := current.Clone()
	if !fn(candidate) {
		return current.Clone(), false, nil
	}
	s.records[userID] = candidate
	return candidate.Clone(), true, nil
}
