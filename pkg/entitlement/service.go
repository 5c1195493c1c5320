package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/statemachine"
)

// Service applies entitlement transitions. It resolves the target status
// through the state machine, computes the successor record, validates the
// invariants, and persists via the store's compare-and-set. A single lost
// race is retried against the fresh record; a second failure is surfaced.
type Service struct {
	store   Store
	machine *statemachine.Machine
	log     *slog.Logger
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the entitlement service. Panics on a nil store to
// fail fast during initialization.
func NewService(store Store, log *slog.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic("entitlement: store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:   store,
		machine: newMachine(),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the user's entitlement.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	return s.store.Get(ctx, userID)
}

// Signup creates the initial Free/active entitlement for a user.
func (s *Service) Signup(ctx context.Context, userID uuid.UUID, freeLimit int) (*Entitlement, error) {
	ent := NewFree(userID, freeLimit, s.now())
	if err := s.store.Create(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// CanTransition reports whether event is legal from the record's current
// status, without applying anything.
func (s *Service) CanTransition(ctx context.Context, userID uuid.UUID, event Event) bool {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		return false
	}
	return s.machine.CanResolve(ctx, state(ent.Status), event, ent)
}

// Transition fires event against the user's entitlement and applies the
// change. Returns the updated record.
func (s *Service) Transition(ctx context.Context, userID uuid.UUID, event Event, change Change) (*Entitlement, error) {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	next, err := s.apply(ctx, ent, event, change)
	if errors.Is(err, ErrStaleEntitlement) {
		// A concurrent handler moved the record between our read and
		// write. One retry against the fresh state resolves the common
		// webhook-vs-user-action race; persistent contention bubbles up.
		ent, err = s.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		next, err = s.apply(ctx, ent, event, change)
	}
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "entitlement transition applied",
		"user_id", userID,
		"event", string(event),
		"status_before", string(ent.Status),
		"status_after", string(next.Status),
		"tier_after", string(next.PlanTier),
	)
	return next, nil
}

func (s *Service) apply(ctx context.Context, ent *Entitlement, event Event, change Change) (*Entitlement, error) {
	target, err := s.machine.Resolve(ctx, state(ent.Status), event, ent)
	if err != nil {
		if statemachine.IsNoTransitionAvailableError(err) || statemachine.IsTransitionRejectedError(err) {
			return nil, errors.Join(ErrTransitionNotAllowed, err)
		}
		return nil, err
	}

	next := change.apply(ent, Status(target.Name()), s.now())
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Apply(ctx, ent, next, change.ResetUsage, change.Reason); err != nil {
		return nil, err
	}
	return next, nil
}

// ExpireLapsed sweeps cancelled_pending records whose expiry has passed
// and moves them to cancelled. Returns the number of records lapsed.
// Intended to run periodically; every pass is idempotent.
func (s *Service) ExpireLapsed(ctx context.Context, batchSize int) (int, error) {
	userIDs, err := s.store.ListLapsed(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}

	lapsed := 0
	for _, userID := range userIDs {
		_, err := s.Transition(ctx, userID, EventLapse, Change{Reason: "cancellation effective at cycle end"})
		if err != nil {
			// Another handler may have already moved the record; skip it
			// and keep sweeping.
			if errors.Is(err, ErrTransitionNotAllowed) || errors.Is(err, ErrNotFound) {
				continue
			}
			return lapsed, err
		}
		lapsed++
	}
	return lapsed, nil
}

// History returns the audit trail of applied transitions, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error) {
	return s.store.History(ctx, userID, limit)
}
