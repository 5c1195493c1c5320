package cancellation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
)

// Manager coordinates cancellation across the gateway and the local
// entitlement record.
type Manager struct {
	gw           gateway.API
	entitlements *entitlement.Service
	store        Store
	log          *slog.Logger
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates the cancellation manager. Panics on missing
// collaborators to fail fast during initialization.
func NewManager(gw gateway.API, entitlements *entitlement.Service, store Store, log *slog.Logger, opts ...ManagerOption) *Manager {
	if gw == nil || entitlements == nil || store == nil {
		panic("cancellation: gateway, entitlement service and store are required")
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		gw:           gw,
		entitlements: entitlements,
		store:        store,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cancel ends the user's paid entitlement. Immediate cancellation cuts
// access now; end-of-cycle keeps access until the current expiry. When a
// gateway subscription is bound, the gateway cancel runs first and any
// failure aborts with local state untouched.
func (m *Manager) Cancel(ctx context.Context, userID uuid.UUID, reason string, immediate bool) (*entitlement.Entitlement, error) {
	ent, err := m.entitlements.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ent.PlanTier.Paid() {
		return nil, ErrCancellationNotAllowed
	}
	event := entitlement.EventUserCancelCycleEnd
	if immediate {
		event = entitlement.EventUserCancelImmediate
	}
	if !m.entitlements.CanTransition(ctx, userID, event) {
		return nil, ErrCancellationNotAllowed
	}

	if ent.HasGatewaySubscription() {
		if _, err := m.gw.CancelSubscription(ctx, ent.GatewaySubscriptionID, !immediate); err != nil {
			return nil, fmt.Errorf("gateway cancel: %w", err)
		}
	}

	now := m.now()
	change := entitlement.Change{
		AutoRenewal:        boolPtr(false),
		ClearNextBillingAt: true,
		Reason:             reason,
	}
	effectiveAt := now
	if immediate {
		change.ExpiresAt = &now
		change.GatewaySubscriptionID = strPtr("")
	} else if ent.ExpiresAt != nil {
		// Access continues until the cycle the user already paid for
		// runs out.
		effectiveAt = *ent.ExpiresAt
	}

	updated, err := m.entitlements.Transition(ctx, userID, event, change)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.New(),
		UserID:      userID,
		Reason:      reason,
		Immediate:   immediate,
		RequestedAt: now,
		EffectiveAt: effectiveAt,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		// The entitlement change stands; the audit record is best-effort.
		m.log.ErrorContext(ctx, "failed to append cancellation record",
			"user_id", userID, "error", err)
	}

	m.log.InfoContext(ctx, "subscription cancelled",
		"user_id", userID, "immediate", immediate, "effective_at", effectiveAt)
	return updated, nil
}

// Reactivate reverses an end-of-cycle cancellation before it lapses:
// renewal switches back on and the next billing date is restored from the
// current expiry. A lapsed entitlement cannot be reactivated; that takes
// a new purchase.
func (m *Manager) Reactivate(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	ent, err := m.entitlements.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.Status != entitlement.StatusCancelledPending {
		return nil, ErrReactivationNotAllowed
	}

	change := entitlement.Change{
		AutoRenewal: boolPtr(true),
		Reason:      "subscription reactivated",
	}
	if ent.ExpiresAt != nil {
		change.NextBillingAt = ent.ExpiresAt
	}

	updated, err := m.entitlements.Transition(ctx, userID, entitlement.EventReactivate, change)
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "subscription reactivated", "user_id", userID)
	return updated, nil
}

// History returns the user's cancel actions, newest first.
func (m *Manager) History(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	return m.store.ListByUser(ctx, userID, limit)
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }
