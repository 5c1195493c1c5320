// Package entitlement owns the per-user entitlement record: plan tier,
// status, usage quota, and billing timestamps. All mutations flow through
// the state machine in this package and are persisted with a
// compare-and-set on the current status, so concurrent webhook deliveries
// and user actions cannot interleave into an inconsistent record.
package entitlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/plan"
)

// Status is the entitlement lifecycle state.
type Status string

const (
	StatusActive           Status = "active"
	StatusPaused           Status = "paused"
	StatusPastDue          Status = "past_due"
	StatusCancelled        Status = "cancelled"
	StatusCancelledPending Status = "cancelled_pending" // cancelled at cycle end, entitled until ExpiresAt
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusPastDue, StatusCancelled, StatusCancelledPending:
		return true
	}
	return false
}

// PaymentType distinguishes the two billing models sharing the record.
type PaymentType string

const (
	PaymentOneTime   PaymentType = "one_time"
	PaymentRecurring PaymentType = "recurring"
)

// Entitlement is the unified record of what a user is currently granted.
// One row per user; the row is the single source of truth, never cached in
// process memory.
type Entitlement struct {
	UserID       uuid.UUID
	PlanTier     plan.Tier
	Status       Status
	UsageCurrent int
	UsageLimit   int
	AutoRenewal  bool
	PaymentType  PaymentType

	ActivatedAt   *time.Time
	ExpiresAt     *time.Time
	NextBillingAt *time.Time

	// GatewaySubscriptionID is set only for recurring plans.
	GatewaySubscriptionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the user currently holds access. A
// cancelled_pending entitlement retains access until it lapses.
func (e *Entitlement) IsActive() bool {
	return e.Status == StatusActive || e.Status == StatusCancelledPending
}

// HasGatewaySubscription reports whether a recurring gateway subscription
// is bound to this record.
func (e *Entitlement) HasGatewaySubscription() bool {
	return e.GatewaySubscriptionID != ""
}

// Clone returns a deep copy, detaching the nullable timestamps.
func (e *Entitlement) Clone() *Entitlement {
	c := *e
	c.ActivatedAt = cloneTime(e.ActivatedAt)
	c.ExpiresAt = cloneTime(e.ExpiresAt)
	c.NextBillingAt = cloneTime(e.NextBillingAt)
	return &c
}

// Validate checks the record invariants. Every transition runs through
// this before persisting.
func (e *Entitlement) Validate() error {
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	if e.UsageCurrent < 0 {
		return ErrNegativeUsage
	}
	if e.Status == StatusCancelled && e.AutoRenewal {
		return ErrCancelledWithRenewal
	}
	if e.PlanTier == plan.TierFree {
		if e.PaymentType != PaymentOneTime || e.GatewaySubscriptionID != "" {
			return ErrFreeTierBillingFields
		}
	}
	return nil
}

// NewFree returns the signup entitlement: free tier, active, with the
// catalog's free limit.
func NewFree(userID uuid.UUID, freeLimit int, now time.Time) *Entitlement {
	return &Entitlement{
		UserID:       userID,
		PlanTier:     plan.TierFree,
		Status:       StatusActive,
		UsageCurrent: 0,
		UsageLimit:   freeLimit,
		AutoRenewal:  false,
		PaymentType:  PaymentOneTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HistoryEntry records one applied transition for auditability.
type HistoryEntry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	TierBefore   plan.Tier
	TierAfter    plan.Tier
	StatusBefore Status
	StatusAfter  Status
	Reason       string
	EffectiveAt  time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
