package entitlement

import (
	"time"

	"github.com/faqforge/billing/pkg/plan"
	"github.com/faqforge/billing/pkg/statemachine"
)

// Event triggers an entitlement transition.
type Event = statemachine.StringEvent

const (
	EventActivate            Event = "subscription.activated"
	EventCharge              Event = "subscription.charged"
	EventPending             Event = "subscription.pending"
	EventHalt                Event = "subscription.halted"
	EventPause               Event = "subscription.paused"
	EventResume              Event = "subscription.resumed"
	EventGatewayCancel       Event = "subscription.cancelled"
	EventUserCancelImmediate Event = "user.cancel_immediate"
	EventUserCancelCycleEnd  Event = "user.cancel_cycle_end"
	EventReactivate          Event = "user.reactivate"
	EventOneTimePurchase     Event = "order.verified"
	EventLapse               Event = "entitlement.lapsed"
)

func state(s Status) statemachine.StringState {
	return statemachine.StringState(s)
}

// newMachine builds the entitlement transition table. The machine only
// answers whether a transition is legal; effects are described by a Change
// and applied through the store.
func newMachine() *statemachine.Machine {
	t := func(from Status, event Event, to Status) statemachine.Transition {
		return statemachine.Transition{From: state(from), Event: event, To: state(to)}
	}

	return statemachine.MustNew([]statemachine.Transition{
		// A new gateway subscription binds regardless of what the old
		// one was doing. A user can always buy a fresh subscription, so
		// activation supersedes paused, past_due, and pending-cancel
		// records the same way it replaces a lapsed one.
		t(StatusActive, EventActivate, StatusActive),
		t(StatusPaused, EventActivate, StatusActive),
		t(StatusPastDue, EventActivate, StatusActive),
		t(StatusCancelled, EventActivate, StatusActive),
		t(StatusCancelledPending, EventActivate, StatusActive),

		// Renewal charge extends the cycle; a charge also recovers a
		// past_due record once the gateway retries successfully.
		t(StatusActive, EventCharge, StatusActive),
		t(StatusPastDue, EventCharge, StatusActive),

		t(StatusActive, EventPending, StatusPastDue),
		t(StatusPastDue, EventHalt, StatusCancelled),

		t(StatusActive, EventPause, StatusPaused),
		t(StatusPaused, EventResume, StatusActive),

		// Gateway-initiated cancellation is accepted from any paid state.
		t(StatusActive, EventGatewayCancel, StatusCancelled),
		t(StatusPaused, EventGatewayCancel, StatusCancelled),
		t(StatusPastDue, EventGatewayCancel, StatusCancelled),
		t(StatusCancelledPending, EventGatewayCancel, StatusCancelled),

		t(StatusActive, EventUserCancelImmediate, StatusCancelled),
		t(StatusPaused, EventUserCancelImmediate, StatusCancelled),
		t(StatusPastDue, EventUserCancelImmediate, StatusCancelled),

		t(StatusActive, EventUserCancelCycleEnd, StatusCancelledPending),
		t(StatusCancelledPending, EventReactivate, StatusActive),

		// A verified one-time order upgrades from any state; it is a new
		// purchase, not a continuation.
		t(StatusActive, EventOneTimePurchase, StatusActive),
		t(StatusPaused, EventOneTimePurchase, StatusActive),
		t(StatusPastDue, EventOneTimePurchase, StatusActive),
		t(StatusCancelled, EventOneTimePurchase, StatusActive),
		t(StatusCancelledPending, EventOneTimePurchase, StatusActive),

		t(StatusCancelledPending, EventLapse, StatusCancelled),
	})
}

// Change describes the field updates a transition carries. Nil pointer
// fields leave the current value unchanged. The target status comes from
// the state machine, never from the change itself.
type Change struct {
	Tier          *plan.Tier
	UsageLimit    *int
	ResetUsage    bool // start a fresh usage cycle (renewals, upgrades)
	AutoRenewal   *bool
	PaymentType   *PaymentType
	ActivatedAt   *time.Time
	ExpiresAt     *time.Time
	NextBillingAt *time.Time

	// ClearNextBillingAt nulls the renewal timestamp (cancellations).
	ClearNextBillingAt bool

	// GatewaySubscriptionID binds or clears the gateway subscription.
	// Nil leaves it unchanged; a pointer to "" clears it.
	GatewaySubscriptionID *string

	Reason string
}

// apply computes the successor record. Usage is handled separately by the
// store so concurrent quota increments are not overwritten: apply only
// signals the reset via the returned record's ResetUsage handling.
func (c Change) apply(prev *Entitlement, to Status, now time.Time) *Entitlement {
	next := prev.Clone()
	next.Status = to
	next.UpdatedAt = now

	if c.Tier != nil {
		next.PlanTier = *c.Tier
	}
	if c.UsageLimit != nil {
		next.UsageLimit = *c.UsageLimit
	}
	if c.ResetUsage {
		next.UsageCurrent = 0
	}
	if c.AutoRenewal != nil {
		next.AutoRenewal = *c.AutoRenewal
	}
	if c.PaymentType != nil {
		next.PaymentType = *c.PaymentType
	}
	if c.ActivatedAt != nil {
		next.ActivatedAt = cloneTime(c.ActivatedAt)
	}
	if c.ExpiresAt != nil {
		next.ExpiresAt = cloneTime(c.ExpiresAt)
	}
	if c.NextBillingAt != nil {
		next.NextBillingAt = cloneTime(c.NextBillingAt)
	}
	if c.ClearNextBillingAt {
		next.NextBillingAt = nil
	}
	if c.GatewaySubscriptionID != nil {
		next.GatewaySubscriptionID = *c.GatewaySubscriptionID
	}

	// Cancellation always switches renewal off, regardless of what the
	// change carried.
	if to == StatusCancelled {
		next.AutoRenewal = false
	}
	return next
}
