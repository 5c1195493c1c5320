package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/plan"
)

// Notes keys used to correlate gateway objects back to internal records.
const (
	NoteUserID = "user_id"
	NoteTier   = "tier"
)

// oneTimeAccessWindow is how long a verified one-time purchase grants
// access before the entitlement lapses.
const oneTimeAccessWindow = 30 * 24 * time.Hour

// Reconciler correlates locally created payment intents with gateway
// confirmations and drives the resulting entitlement transitions. The
// verification path is side-effect-free on failure: a bad checkout
// signature settles the transaction as failed and never touches the
// entitlement.
type Reconciler struct {
	gw           gateway.API
	store        Store
	entitlements *entitlement.Service
	catalog      plan.Catalog
	secret       string
	log          *slog.Logger
	now          func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates the reconciler. The checkout secret signs the
// order|payment confirmation the client returns after checkout. Panics on
// missing collaborators to fail fast during initialization.
func NewReconciler(gw gateway.API, store Store, entitlements *entitlement.Service, catalog plan.Catalog, checkoutSecret string, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if gw == nil || store == nil || entitlements == nil {
		panic("payment: gateway, store and entitlement service are required")
	}
	if err := catalog.Validate(); err != nil {
		panic("payment: invalid plan catalog: " + err.Error())
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		gw:           gw,
		store:        store,
		entitlements: entitlements,
		catalog:      catalog,
		secret:       checkoutSecret,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrder starts a one-time checkout: creates a gateway order for the
// tier's price and records the pending transaction. The returned
// transaction carries the gateway order id the client needs to open
// checkout.
func (r *Reconciler) CreateOrder(ctx context.Context, userID uuid.UUID, tier plan.Tier) (*Transaction, error) {
	p, err := r.paidPlan(tier)
	if err != nil {
		return nil, err
	}

	txID := uuid.New()
	order, err := r.gw.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   p.Price.Amount,
		Currency: p.Price.Currency,
		Receipt:  "rcpt_" + txID.String(),
		Notes: map[string]string{
			NoteUserID: userID.String(),
			NoteTier:   string(tier),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	tx := &Transaction{
		ID:                txID,
		UserID:            userID,
		GatewayOrderID:    order.ID,
		Status:            TxCreated,
		Amount:            p.Price.Amount,
		Currency:          p.Price.Currency,
		PlanTierRequested: tier,
		PaymentType:       entitlement.PaymentOneTime,
		CreatedAt:         r.now(),
	}
	if err := r.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "payment order created",
		"user_id", userID, "tier", string(tier), "gateway_order_id", order.ID)
	return tx, nil
}

// CreateSubscription starts a recurring subscription on the gateway and
// records the pending transaction bound to the gateway subscription id.
// Activation happens later, when the gateway delivers
// subscription.activated.
func (r *Reconciler) CreateSubscription(ctx context.Context, userID uuid.UUID, tier plan.Tier) (*Transaction, error) {
	p, err := r.paidPlan(tier)
	if err != nil {
		return nil, err
	}
	if p.GatewayPlanID == "" {
		return nil, ErrUnknownGatewayPlan
	}

	sub, err := r.gw.CreateSubscription(ctx, gateway.CreateSubscriptionRequest{
		PlanID:     p.GatewayPlanID,
		TotalCount: 12,
		Notes: map[string]string{
			NoteUserID: userID.String(),
			NoteTier:   string(tier),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway subscription: %w", err)
	}

	tx := &Transaction{
		ID:                    uuid.New(),
		UserID:                userID,
		GatewayOrderID:        "sub_intent_" + sub.ID,
		GatewaySubscriptionID: sub.ID,
		Status:                TxCreated,
		Amount:                p.Price.Amount,
		Currency:              p.Price.Currency,
		PlanTierRequested:     tier,
		PaymentType:           entitlement.PaymentRecurring,
		CreatedAt:             r.now(),
	}
	if err := r.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "subscription intent created",
		"user_id", userID, "tier", string(tier), "gateway_subscription_id", sub.ID)
	return tx, nil
}

// VerifyAndComplete settles a one-time checkout. The client returns the
// payment id and a signature over orderID|paymentID; the expected
// signature is re-derived from the checkout secret and compared. On match
// the transaction completes and the entitlement upgrades; on mismatch the
// transaction is marked failed and nothing else changes.
func (r *Reconciler) VerifyAndComplete(ctx context.Context, userID uuid.UUID, orderID, paymentID, signature string) (*entitlement.Entitlement, error) {
	tx, err := r.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrTransactionOwnership
	}
	if tx.Status != TxCreated {
		return nil, ErrTransactionNotPending
	}

	if err := gateway.VerifyCheckoutSignature(r.secret, orderID, paymentID, signature); err != nil {
		if markErr := r.store.MarkFailed(ctx, orderID, r.now()); markErr != nil {
			r.log.ErrorContext(ctx, "failed to settle transaction after signature mismatch",
				"gateway_order_id", orderID, "error", markErr)
		}
		r.log.WarnContext(ctx, "checkout signature rejected",
			"user_id", userID, "gateway_order_id", orderID)
		return nil, err
	}

	p, err := r.catalog.Get(tx.PlanTierRequested)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.store.MarkCompleted(ctx, orderID, paymentID, now); err != nil {
		return nil, err
	}

	expiresAt := now.Add(oneTimeAccessWindow)
	ent, err := r.entitlements.Transition(ctx, userID, entitlement.EventOneTimePurchase, entitlement.Change{
		Tier:                  &tx.PlanTierRequested,
		UsageLimit:            &p.MonthlyLimit,
		ResetUsage:            true,
		AutoRenewal:           boolPtr(false),
		PaymentType:           paymentTypePtr(entitlement.PaymentOneTime),
		ActivatedAt:           &now,
		ExpiresAt:             &expiresAt,
		ClearNextBillingAt:    true,
		GatewaySubscriptionID: strPtr(""),
		Reason:                "one-time purchase verified",
	})
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "one-time purchase completed",
		"user_id", userID, "tier", string(tx.PlanTierRequested), "gateway_order_id", orderID)
	return ent, nil
}

// HandleActivated binds a confirmed gateway subscription to the user's
// entitlement: paid tier, fresh usage cycle, renewal on.
func (r *Reconciler) HandleActivated(ctx context.Context, sub *gateway.SubscriptionEntity) error {
	userID, err := UserIDFromNotes(sub.Notes)
	if err != nil {
		return err
	}
	tier, p, err := r.planForSubscription(sub)
	if err != nil {
		return err
	}

	now := r.now()
	change := entitlement.Change{
		Tier:                  &tier,
		UsageLimit:            &p.MonthlyLimit,
		ResetUsage:            true,
		AutoRenewal:           boolPtr(true),
		PaymentType:           paymentTypePtr(entitlement.PaymentRecurring),
		ActivatedAt:           &now,
		GatewaySubscriptionID: &sub.ID,
		Reason:                "subscription activated",
	}
	if end := unixTime(sub.CurrentEnd); end != nil {
		change.ExpiresAt = end
		change.NextBillingAt = end
	}

	if _, err := r.entitlements.Transition(ctx, userID, entitlement.EventActivate, change); err != nil {
		return err
	}
	return nil
}

// HandleCharged applies a successful renewal charge: the usage counter
// resets and the cycle bounds extend to the gateway's current_end. A
// charge against a past_due record recovers it to active, and a charge
// whose current_end does not move the cycle forward is ignored. The
// payment entity, when present, is recorded in the transaction ledger
// for audit.
func (r *Reconciler) HandleCharged(ctx context.Context, sub *gateway.SubscriptionEntity, pay *gateway.PaymentEntity) error {
	userID, err := UserIDFromNotes(sub.Notes)
	if err != nil {
		return err
	}

	now := r.now()
	if pay != nil && pay.OrderID != "" {
		tx := &Transaction{
			ID:                    uuid.New(),
			UserID:                userID,
			GatewayOrderID:        pay.OrderID,
			GatewayPaymentID:      pay.ID,
			GatewaySubscriptionID: sub.ID,
			Status:                TxCompleted,
			Amount:                pay.Amount,
			Currency:              pay.Currency,
			PaymentType:           entitlement.PaymentRecurring,
			CreatedAt:             now,
			CompletedAt:           &now,
		}
		if tier, _, tierErr := r.planForSubscription(sub); tierErr == nil {
			tx.PlanTierRequested = tier
		}
		// The idempotency ledger already gates replays; a duplicate order
		// here means the charge was recorded by an earlier delivery.
		if err := r.store.Create(ctx, tx); err != nil && !errors.Is(err, ErrTransactionExists) {
			return err
		}
	}

	change := entitlement.Change{
		ResetUsage: true,
		Reason:     "renewal charge",
	}
	if end := unixTime(sub.CurrentEnd); end != nil {
		// Webhooks can arrive out of order, and each cycle's charge has
		// its own event id, so the ledger does not catch a delayed
		// delivery of an older cycle. A charge that does not move the
		// cycle forward must not regress it or wipe the newer cycle's
		// usage counter.
		ent, err := r.entitlements.Get(ctx, userID)
		if err != nil {
			return err
		}
		if ent.NextBillingAt != nil && !end.After(*ent.NextBillingAt) {
			r.log.InfoContext(ctx, "renewal charge for an already superseded cycle ignored",
				"user_id", userID, "subscription_id", sub.ID, "current_end", end)
			return nil
		}
		change.ExpiresAt = end
		change.NextBillingAt = end
	}

	if _, err := r.entitlements.Transition(ctx, userID, entitlement.EventCharge, change); err != nil {
		return err
	}
	return nil
}

// ListByUser returns the user's payment history, newest first.
func (r *Reconciler) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	return r.store.ListByUser(ctx, userID, limit)
}

func (r *Reconciler) paidPlan(tier plan.Tier) (plan.Plan, error) {
	if !tier.Paid() {
		return plan.Plan{}, ErrFreeTierNotPurchasable
	}
	return r.catalog.Get(tier)
}

func (r *Reconciler) planForSubscription(sub *gateway.SubscriptionEntity) (plan.Tier, plan.Plan, error) {
	if t := plan.Tier(sub.Notes[NoteTier]); t.Valid() && t.Paid() {
		p, err := r.catalog.Get(t)
		if err == nil {
			return t, p, nil
		}
	}
	for tier, p := range r.catalog {
		if p.GatewayPlanID != "" && p.GatewayPlanID == sub.PlanID {
			return tier, p, nil
		}
	}
	return "", plan.Plan{}, ErrUnknownGatewayPlan
}

// UserIDFromNotes extracts the internal user id a checkout stamped into
// the gateway object's notes.
func UserIDFromNotes(notes map[string]string) (uuid.UUID, error) {
	raw, ok := notes[NoteUserID]
	if !ok || raw == "" {
		return uuid.Nil, ErrMissingUserReference
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Join(ErrMissingUserReference, err)
	}
	return userID, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func paymentTypePtr(pt entitlement.PaymentType) *entitlement.PaymentType { return &pt }
