// Package billing composes the billing core into the surfaces the product
// exposes: the webhook dispatcher the gateway calls, and the user-facing
// service for checkout, subscription management, and quota accounting.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/cancellation"
	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/payment"
	"github.com/faqforge/billing/pkg/plan"
	"github.com/faqforge/billing/pkg/usage"
)

var (
	ErrUnknownAction         = errors.New("unknown subscription action")
	ErrActionNotAllowed      = errors.New("action not allowed from the current status")
	ErrNoGatewaySubscription = errors.New("no gateway subscription bound to this entitlement")
	ErrTierRequired          = errors.New("a paid tier is required for this action")
)

// ManageAction selects a subscription management operation.
type ManageAction string

const (
	ActionPause      ManageAction = "pause"
	ActionResume     ManageAction = "resume"
	ActionCancel     ManageAction = "cancel"
	ActionUpdate     ManageAction = "update"
	ActionGetDetails ManageAction = "get_details"
)

// ManageRequest is one subscription management call. Reason and Immediate
// apply to cancel; NewTier applies to update.
type ManageRequest struct {
	Action    ManageAction
	Reason    string
	Immediate bool
	NewTier   plan.Tier
}

// SubscriptionDetails is the user-visible view of an entitlement.
type SubscriptionDetails struct {
	Entitlement *entitlement.Entitlement
	Plan        plan.Plan
	Quota       usage.Quota
}

// Service is the user-facing billing API.
type Service struct {
	gw            gateway.API
	entitlements  *entitlement.Service
	reconciler    *payment.Reconciler
	cancellations *cancellation.Manager
	usage         *usage.Accountant
	catalog       plan.Catalog
	log           *slog.Logger
}

// NewService composes the billing service. Panics on missing
// collaborators to fail fast during initialization.
func NewService(gw gateway.API, entitlements *entitlement.Service, reconciler *payment.Reconciler, cancellations *cancellation.Manager, accountant *usage.Accountant, catalog plan.Catalog, log *slog.Logger) *Service {
	if gw == nil || entitlements == nil || reconciler == nil || cancellations == nil || accountant == nil {
		panic("billing: all collaborators are required")
	}
	if err := catalog.Validate(); err != nil {
		panic("billing: invalid plan catalog: " + err.Error())
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		gw:            gw,
		entitlements:  entitlements,
		reconciler:    reconciler,
		cancellations: cancellations,
		usage:         accountant,
		catalog:       catalog,
		log:           log,
	}
}

// Signup creates the initial free entitlement for a new user, with the
// catalog's free-tier limit.
func (s *Service) Signup(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	p, err := s.catalog.Get(plan.TierFree)
	if err != nil {
		return nil, err
	}
	return s.entitlements.Signup(ctx, userID, p.MonthlyLimit)
}

// CreateOrder starts a one-time checkout for a paid tier.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, tier plan.Tier) (*payment.Transaction, error) {
	return s.reconciler.CreateOrder(ctx, userID, tier)
}

// CreateSubscription starts a recurring subscription for a paid tier.
func (s *Service) CreateSubscription(ctx context.Context, userID uuid.UUID, tier plan.Tier) (*payment.Transaction, error) {
	return s.reconciler.CreateSubscription(ctx, userID, tier)
}

// VerifyPayment settles a one-time checkout from the client's
// confirmation and returns the upgraded entitlement.
func (s *Service) VerifyPayment(ctx context.Context, userID uuid.UUID, orderID, paymentID, signature string) (*entitlement.Entitlement, error) {
	return s.reconciler.VerifyAndComplete(ctx, userID, orderID, paymentID, signature)
}

// ManageSubscription executes one management action and returns the
// resulting subscription details. Actions that touch the gateway are
// remote-first: a gateway failure leaves local state unchanged.
func (s *Service) ManageSubscription(ctx context.Context, userID uuid.UUID, req ManageRequest) (*SubscriptionDetails, error) {
	switch req.Action {
	case ActionGetDetails:
		// Read-only, handled below.
	case ActionPause:
		if err := s.pauseResume(ctx, userID, entitlement.EventPause, "paused by user"); err != nil {
			return nil, err
		}
	case ActionResume:
		if err := s.pauseResume(ctx, userID, entitlement.EventResume, "resumed by user"); err != nil {
			return nil, err
		}
	case ActionCancel:
		if _, err := s.cancellations.Cancel(ctx, userID, req.Reason, req.Immediate); err != nil {
			return nil, err
		}
	case ActionUpdate:
		if err := s.changePlan(ctx, userID, req.NewTier); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownAction
	}
	return s.details(ctx, userID)
}

// Reactivate reverses an end-of-cycle cancellation before it lapses.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	return s.cancellations.Reactivate(ctx, userID)
}

// Usage returns the current quota position.
func (s *Service) Usage(ctx context.Context, userID uuid.UUID) (usage.Snapshot, error) {
	return s.usage.Snapshot(ctx, userID)
}

// ConsumeUsage spends n FAQ generations against the user's quota.
func (s *Service) ConsumeUsage(ctx context.Context, userID uuid.UUID, n int) (usage.Quota, error) {
	return s.usage.TryConsume(ctx, userID, n)
}

// Payments returns the user's payment history, newest first.
func (s *Service) Payments(ctx context.Context, userID uuid.UUID, limit int) ([]payment.Transaction, error) {
	return s.reconciler.ListByUser(ctx, userID, limit)
}

func (s *Service) pauseResume(ctx context.Context, userID uuid.UUID, event entitlement.Event, reason string) error {
	ent, err := s.entitlements.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !s.entitlements.CanTransition(ctx, userID, event) {
		return ErrActionNotAllowed
	}

	if ent.HasGatewaySubscription() {
		var gwErr error
		if event == entitlement.EventPause {
			_, gwErr = s.gw.PauseSubscription(ctx, ent.GatewaySubscriptionID)
		} else {
			_, gwErr = s.gw.ResumeSubscription(ctx, ent.GatewaySubscriptionID)
		}
		if gwErr != nil {
			return fmt.Errorf("gateway %s: %w", string(event), gwErr)
		}
	}

	_, err = s.entitlements.Transition(ctx, userID, event, entitlement.Change{Reason: reason})
	return err
}

func (s *Service) changePlan(ctx context.Context, userID uuid.UUID, newTier plan.Tier) error {
	if !newTier.Valid() || !newTier.Paid() {
		return ErrTierRequired
	}
	p, err := s.catalog.Get(newTier)
	if err != nil {
		return err
	}

	ent, err := s.entitlements.Get(ctx, userID)
	if err != nil {
		return err
	}
	if ent.PaymentType != entitlement.PaymentRecurring || !ent.HasGatewaySubscription() {
		return ErrNoGatewaySubscription
	}

	if _, err := s.gw.UpdateSubscription(ctx, ent.GatewaySubscriptionID, p.GatewayPlanID); err != nil {
		return fmt.Errorf("gateway plan change: %w", err)
	}

	// Mid-cycle plan change keeps the consumed usage; only the tier and
	// ceiling move.
	_, err = s.entitlements.Transition(ctx, userID, entitlement.EventActivate, entitlement.Change{
		Tier:       &newTier,
		UsageLimit: &p.MonthlyLimit,
		Reason:     "plan changed to " + string(newTier),
	})
	return err
}

func (s *Service) details(ctx context.Context, userID uuid.UUID) (*SubscriptionDetails, error) {
	ent, err := s.entitlements.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	p, err := s.catalog.Get(ent.PlanTier)
	if err != nil {
		return nil, err
	}
	snap, err := s.usage.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionDetails{Entitlement: ent, Plan: p, Quota: snap.Quota}, nil
}
