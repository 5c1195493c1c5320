package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/idempotency"
	"github.com/faqforge/billing/pkg/payment"
)

// Dispatcher is the webhook intake path: verify the signature on the raw
// body, parse the envelope, gate on the idempotency ledger, then route to
// the handler for the event kind. Unknown kinds and already-applied
// transitions are acknowledged so the gateway stops redelivering them;
// transient failures release the ledger entry and surface an error so the
// gateway retries.
type Dispatcher struct {
	secret       string
	ledger       idempotency.Ledger
	reconciler   *payment.Reconciler
	entitlements *entitlement.Service
	log          *slog.Logger
}

// NewDispatcher creates the webhook dispatcher. Panics on missing
// collaborators to fail fast during initialization.
func NewDispatcher(webhookSecret string, ledger idempotency.Ledger, reconciler *payment.Reconciler, entitlements *entitlement.Service, log *slog.Logger) *Dispatcher {
	if webhookSecret == "" {
		panic("billing: webhook secret is required")
	}
	if ledger == nil || reconciler == nil || entitlements == nil {
		panic("billing: ledger, reconciler and entitlement service are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		secret:       webhookSecret,
		ledger:       ledger,
		reconciler:   reconciler,
		entitlements: entitlements,
		log:          log,
	}
}

// HandleWebhook processes one gateway delivery. body must be the exact
// bytes the gateway signed. A non-nil return means the caller should
// answer non-2xx so the gateway redelivers.
func (d *Dispatcher) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := gateway.VerifyWebhookSignature(d.secret, body, signature); err != nil {
		d.log.WarnContext(ctx, "webhook signature rejected")
		return err
	}

	event, err := gateway.ParseEvent(body)
	if err != nil {
		return err
	}

	if event.Kind == gateway.KindUnknown {
		d.log.InfoContext(ctx, "ignoring unknown webhook event", "event", event.RawKind)
		return nil
	}

	outcome, err := d.ledger.RecordIfNew(ctx, event.ID)
	if err != nil {
		return err
	}
	if outcome == idempotency.Duplicate {
		d.log.DebugContext(ctx, "duplicate webhook event acknowledged",
			"event", event.RawKind, "event_id", event.ID)
		return nil
	}

	if err := d.route(ctx, event); err != nil {
		// A transition the current status no longer permits means a
		// competing path already applied the effect, and an event that
		// cannot be correlated to a user never will be; redelivery
		// cannot change either, so the event stays consumed.
		if errors.Is(err, entitlement.ErrTransitionNotAllowed) ||
			errors.Is(err, payment.ErrMissingUserReference) {
			d.log.WarnContext(ctx, "webhook event not applicable",
				"event", event.RawKind, "event_id", event.ID, "error", err)
			return nil
		}

		if forgetErr := d.ledger.Forget(ctx, event.ID); forgetErr != nil {
			d.log.ErrorContext(ctx, "failed to release event for redelivery",
				"event_id", event.ID, "error", forgetErr)
		}
		return err
	}

	d.log.InfoContext(ctx, "webhook event processed",
		"event", event.RawKind, "event_id", event.ID)
	return nil
}

func (d *Dispatcher) route(ctx context.Context, event *gateway.Event) error {
	if event.Kind == gateway.KindOrderPaid {
		// One-time orders settle on the client verification path; the
		// webhook is informational.
		d.log.InfoContext(ctx, "order paid notification received", "event_id", event.ID)
		return nil
	}

	sub := event.Subscription
	if sub == nil {
		d.log.WarnContext(ctx, "webhook event missing subscription entity",
			"event", event.RawKind, "event_id", event.ID)
		return nil
	}

	switch event.Kind {
	case gateway.KindSubscriptionActivated:
		return d.reconciler.HandleActivated(ctx, sub)
	case gateway.KindSubscriptionCharged:
		return d.reconciler.HandleCharged(ctx, sub, event.Payment)
	case gateway.KindSubscriptionPending:
		return d.transition(ctx, sub, entitlement.EventPending, entitlement.Change{
			Reason: "renewal charge pending",
		})
	case gateway.KindSubscriptionHalted:
		return d.transition(ctx, sub, entitlement.EventHalt, entitlement.Change{
			ClearNextBillingAt: true,
			Reason:             "renewal retries exhausted",
		})
	case gateway.KindSubscriptionPaused:
		return d.transition(ctx, sub, entitlement.EventPause, entitlement.Change{
			Reason: "subscription paused at gateway",
		})
	case gateway.KindSubscriptionResumed:
		return d.transition(ctx, sub, entitlement.EventResume, entitlement.Change{
			Reason: "subscription resumed at gateway",
		})
	case gateway.KindSubscriptionCancelled, gateway.KindSubscriptionCompleted:
		return d.transition(ctx, sub, entitlement.EventGatewayCancel, entitlement.Change{
			ClearNextBillingAt: true,
			Reason:             "subscription ended at gateway (" + event.RawKind + ")",
		})
	default:
		d.log.InfoContext(ctx, "ignoring unhandled webhook event", "event", event.RawKind)
		return nil
	}
}

func (d *Dispatcher) transition(ctx context.Context, sub *gateway.SubscriptionEntity, event entitlement.Event, change entitlement.Change) error {
	userID, err := payment.UserIDFromNotes(sub.Notes)
	if err != nil {
		return err
	}
	_, err = d.entitlements.Transition(ctx, userID, event, change)
	return err
}
