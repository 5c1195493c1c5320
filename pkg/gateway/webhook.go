package gateway

import (
	"encoding/json"
	"fmt"
)

// EventKind is the set of webhook event types this system acts on.
// Anything else parses to KindUnknown, which handlers log and acknowledge
// without touching state.
type EventKind string

const (
	KindSubscriptionActivated EventKind = "subscription.activated"
	KindSubscriptionCharged   EventKind = "subscription.charged"
	KindSubscriptionPending   EventKind = "subscription.pending"
	KindSubscriptionHalted    EventKind = "subscription.halted"
	KindSubscriptionPaused    EventKind = "subscription.paused"
	KindSubscriptionResumed   EventKind = "subscription.resumed"
	KindSubscriptionCancelled EventKind = "subscription.cancelled"
	KindSubscriptionCompleted EventKind = "subscription.completed"
	KindOrderPaid             EventKind = "order.paid"
	KindUnknown               EventKind = "unknown"
)

// Event is the parsed webhook notification. Exactly one of Subscription or
// Payment is set depending on the event family; both are nil for unknown
// kinds. RawKind preserves the wire event name for logging.
type Event struct {
	ID           string
	Kind         EventKind
	RawKind      string
	Subscription *SubscriptionEntity
	Payment      *PaymentEntity
}

// SubscriptionEntity is the subscription snapshot inside a webhook payload.
type SubscriptionEntity struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	Status       string            `json:"status"`
	CurrentStart int64             `json:"current_start"`
	CurrentEnd   int64             `json:"current_end"`
	Notes        map[string]string `json:"notes"`
}

// PaymentEntity is the payment snapshot inside a webhook payload.
type PaymentEntity struct {
	ID       string            `json:"id"`
	OrderID  string            `json:"order_id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes"`
}

// envelope mirrors the gateway's wire format:
// {"event": "...", "payload": {"subscription": {"entity": {...}},
// "payment": {"entity": {...}}}}.
type envelope struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	Payload struct {
		Subscription *struct {
			Entity SubscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment *struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseEvent decodes a webhook body into an Event. Signature verification
// is the caller's job and must happen on the same raw bytes before parsing.
func ParseEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}

	event := &Event{
		ID:      env.ID,
		RawKind: env.Event,
		Kind:    mapEventKind(env.Event),
	}
	if env.Payload.Subscription != nil {
		sub := env.Payload.Subscription.Entity
		event.Subscription = &sub
	}
	if env.Payload.Payment != nil {
		pay := env.Payload.Payment.Entity
		event.Payment = &pay
	}

	// Events without a delivery id fall back to a content-derived id so the
	// idempotency ledger still has a stable key for retried deliveries.
	if event.ID == "" {
		event.ID = deriveEventID(env.Event, event)
	}
	return event, nil
}

func mapEventKind(name string) EventKind {
	switch EventKind(name) {
	case KindSubscriptionActivated, KindSubscriptionCharged, KindSubscriptionPending,
		KindSubscriptionHalted, KindSubscriptionPaused, KindSubscriptionResumed,
		KindSubscriptionCancelled, KindSubscriptionCompleted, KindOrderPaid:
		return EventKind(name)
	default:
		return KindUnknown
	}
}

func deriveEventID(eventName string, event *Event) string {
	switch {
	case event.Payment != nil && event.Payment.ID != "":
		return eventName + ":" + event.Payment.ID
	case event.Subscription != nil && event.Subscription.ID != "":
		// CurrentEnd distinguishes successive charges of the same
		// subscription from redeliveries of one charge.
		return fmt.Sprintf("%s:%s:%d", eventName, event.Subscription.ID, event.Subscription.CurrentEnd)
	default:
		return eventName
	}
}
