package billing_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faqforge/billing/pkg/cancellation"
	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/idempotency"
	"github.com/faqforge/billing/pkg/payment"
	"github.com/faqforge/billing/pkg/plan"
	"github.com/faqforge/billing/pkg/usage"
	"github.com/faqforge/billing/svc/billing"
)

const (
	webhookSecret  = "test_webhook_secret"
	checkoutSecret = "test_checkout_secret"
)

type mockGateway struct {
	mu          sync.Mutex
	orderErr    error
	subErr      error
	cancelErr   error
	pauseErr    error
	cancelCalls int
}

func (m *mockGateway) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	return &gateway.Order{ID: "order_" + uuid.NewString()[:8], Amount: req.Amount, Currency: req.Currency, Status: "created", Notes: req.Notes}, nil
}

func (m *mockGateway) CreateSubscription(ctx context.Context, req gateway.CreateSubscriptionRequest) (*gateway.Subscription, error) {
	if m.subErr != nil {
		return nil, m.subErr
	}
	return &gateway.Subscription{ID: "sub_" + uuid.NewString()[:8], PlanID: req.PlanID, Status: "created", Notes: req.Notes}, nil
}

func (m *mockGateway) CancelSubscription(ctx context.Context, id string, atCycleEnd bool) (*gateway.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	m.cancelCalls++
	return &gateway.Subscription{ID: id, Status: "cancelled"}, nil
}

func (m *mockGateway) UpdateSubscription(ctx context.Context, id, planID string) (*gateway.Subscription, error) {
	return &gateway.Subscription{ID: id, PlanID: planID, Status: "active"}, nil
}

func (m *mockGateway) PauseSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	if m.pauseErr != nil {
		return nil, m.pauseErr
	}
	return &gateway.Subscription{ID: id, Status: "paused"}, nil
}

func (m *mockGateway) ResumeSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	return &gateway.Subscription{ID: id, Status: "active"}, nil
}

func (m *mockGateway) GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	return &gateway.Subscription{ID: id, Status: "active"}, nil
}

type stack struct {
	dispatcher   *billing.Dispatcher
	svc          *billing.Service
	entitlements *entitlement.Service
	entStore     *entitlement.MemoryStore
	ledger       *idempotency.MemoryLedger
	gw           *mockGateway
	now          time.Time
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	catalog := plan.Default()

	entStore := entitlement.NewMemoryStore()
	entSvc := entitlement.NewService(entStore, log, entitlement.WithClock(clock))
	txStore := payment.NewMemoryStore()
	gw := &mockGateway{}
	reconciler := payment.NewReconciler(gw, txStore, entSvc, catalog, checkoutSecret, log, payment.WithClock(clock))
	cancelMgr := cancellation.NewManager(gw, entSvc, cancellation.NewMemoryStore(), log, cancellation.WithClock(clock))
	accountant := usage.NewAccountant(usage.NewMemoryStore(entStore))
	ledger := idempotency.NewMemoryLedger()

	return &stack{
		dispatcher:   billing.NewDispatcher(webhookSecret, ledger, reconciler, entSvc, log),
		svc:          billing.NewService(gw, entSvc, reconciler, cancelMgr, accountant, catalog, log),
		entitlements: entSvc,
		entStore:     entStore,
		ledger:       ledger,
		gw:           gw,
		now:          now,
	}
}

func signup(t *testing.T, s *stack) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := s.svc.Signup(context.Background(), userID)
	require.NoError(t, err)
	return userID
}

// webhookBody builds a gateway envelope. Zero-value entity pointers are
// omitted from the payload.
func webhookBody(t *testing.T, eventName, eventID string, sub *gateway.SubscriptionEntity, pay *gateway.PaymentEntity) []byte {
	t.Helper()
	payload := map[string]any{}
	if sub != nil {
		payload["subscription"] = map[string]any{"entity": sub}
	}
	if pay != nil {
		payload["payment"] = map[string]any{"entity": pay}
	}
	body, err := json.Marshal(map[string]any{
		"event":   eventName,
		"id":      eventID,
		"payload": payload,
	})
	require.NoError(t, err)
	return body
}

func activatedBody(t *testing.T, userID uuid.UUID, eventID string, cycleEnd time.Time) []byte {
	t.Helper()
	return webhookBody(t, "subscription.activated", eventID, &gateway.SubscriptionEntity{
		ID:         "sub_live_1",
		PlanID:     "plan_pro_monthly",
		Status:     "active",
		CurrentEnd: cycleEnd.Unix(),
		Notes:      map[string]string{payment.NoteUserID: userID.String(), payment.NoteTier: "pro"},
	}, nil)
}

func deliver(s *stack, body []byte) error {
	sig := gateway.SignWebhookPayload(webhookSecret, body)
	return s.dispatcher.HandleWebhook(context.Background(), body, sig)
}

func TestDispatcher_IdempotentReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStack(t)
	userID := signup(t, s)
	body := activatedBody(t, userID, "evt_act_1", s.now.Add(30*24*time.Hour))

	for range 3 {
		require.NoError(t, deliver(s, body))
	}

	assert.Equal(t, 1, s.ledger.Len(), "replays leave exactly one ledger entry")

	ent, err := s.entitlements.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, ent.PlanTier)

	history, err := s.entitlements.History(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "replays apply exactly one transition")
}

func TestDispatcher_SignatureRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStack(t)
	userID := signup(t, s)
	body := activatedBody(t, userID, "evt_act_1", s.now.Add(30*24*time.Hour))
	sig := gateway.SignWebhookPayload(webhookSecret, body)

	// Flip one bit in the body; the signature no longer matches.
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)/2] ^= 0x01

	err := s.dispatcher.HandleWebhook(ctx, tampered, sig)
	assert.ErrorIs(t, err, gateway.ErrSignatureMismatch)

	ent, getErr := s.entitlements.Get(ctx, userID)
	require.NoError(t, getErr)
	assert.Equal(t, plan.TierFree, ent.PlanTier, "rejected delivery changes nothing")
	assert.Equal(t, 0, s.ledger.Len())

	t.Run("missing signature fails closed", func(t *testing.T) {
		t.Parallel()
		err := s.dispatcher.HandleWebhook(ctx, body, "")
		assert.ErrorIs(t, err, gateway.ErrMissingSignature)
	})
}

func TestDispatcher_UnknownEventAcknowledged(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	userID := signup(t, s)
	body := webhookBody(t, "invoice.generated", "evt_unknown_1", &gateway.SubscriptionEntity{
		ID:    "sub_live_1",
		Notes: map[string]string{payment.NoteUserID: userID.String()},
	}, nil)

	require.NoError(t, deliver(s, body), "unknown events are acknowledged, not failed")

	ent, err := s.entitlements.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, ent.PlanTier)
}

func TestDispatcher_RenewalCharge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStack(t)
	userID := signup(t, s)
	firstEnd := s.now.Add(30 * 24 * time.Hour)
	require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act_1", firstEnd)))

	_, ok, err := s.entStore.Update(ctx, userID, func(ent *entitlement.Entitlement) bool {
		ent.UsageCurrent = 77
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)

	secondEnd := firstEnd.Add(30 * 24 * time.Hour)
	body := webhookBody(t, "subscription.charged", "evt_charge_1",
		&gateway.SubscriptionEntity{
			ID:         "sub_live_1",
			PlanID:     "plan_pro_monthly",
			CurrentEnd: secondEnd.Unix(),
			Notes:      map[string]string{payment.NoteUserID: userID.String(), payment.NoteTier: "pro"},
		},
		&gateway.PaymentEntity{ID: "pay_1", OrderID: "order_renewal_1", Amount: 900, Currency: "INR", Status: "captured"})
	require.NoError(t, deliver(s, body))

	ent, err := s.entitlements.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, ent.PlanTier, "renewal leaves the tier unchanged")
	assert.Equal(t, 0, ent.UsageCurrent, "renewal starts a fresh usage cycle")
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, ent.ExpiresAt.Equal(secondEnd))
	require.NotNil(t, ent.NextBillingAt)
	assert.True(t, ent.NextBillingAt.Equal(secondEnd))
}

func TestDispatcher_LifecycleEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	subEntity := func(userID uuid.UUID) *gateway.SubscriptionEntity {
		return &gateway.SubscriptionEntity{
			ID:     "sub_live_1",
			PlanID: "plan_pro_monthly",
			Notes:  map[string]string{payment.NoteUserID: userID.String()},
		}
	}

	t.Run("pending then halted", func(t *testing.T) {
		t.Parallel()
		s := newStack(t)
		userID := signup(t, s)
		require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act", s.now.Add(30*24*time.Hour))))

		require.NoError(t, deliver(s, webhookBody(t, "subscription.pending", "evt_pending", subEntity(userID), nil)))
		ent, err := s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusPastDue, ent.Status)
		assert.Equal(t, plan.TierPro, ent.PlanTier, "grace period retains the entitlement")

		require.NoError(t, deliver(s, webhookBody(t, "subscription.halted", "evt_halted", subEntity(userID), nil)))
		ent, err = s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCancelled, ent.Status)
		assert.False(t, ent.AutoRenewal)
	})

	t.Run("paused and resumed", func(t *testing.T) {
		t.Parallel()
		s := newStack(t)
		userID := signup(t, s)
		require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act", s.now.Add(30*24*time.Hour))))

		require.NoError(t, deliver(s, webhookBody(t, "subscription.paused", "evt_paused", subEntity(userID), nil)))
		ent, err := s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusPaused, ent.Status)

		require.NoError(t, deliver(s, webhookBody(t, "subscription.resumed", "evt_resumed", subEntity(userID), nil)))
		ent, err = s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, ent.Status)
	})

	t.Run("completed maps to cancelled", func(t *testing.T) {
		t.Parallel()
		s := newStack(t)
		userID := signup(t, s)
		require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act", s.now.Add(30*24*time.Hour))))

		require.NoError(t, deliver(s, webhookBody(t, "subscription.completed", "evt_completed", subEntity(userID), nil)))
		ent, err := s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCancelled, ent.Status)
		assert.False(t, ent.AutoRenewal)
		assert.Nil(t, ent.NextBillingAt)
	})

	t.Run("order paid is informational", func(t *testing.T) {
		t.Parallel()
		s := newStack(t)
		userID := signup(t, s)

		body := webhookBody(t, "order.paid", "evt_order_paid", nil,
			&gateway.PaymentEntity{ID: "pay_ot_1", OrderID: "order_ot_1", Amount: 900, Currency: "INR"})
		require.NoError(t, deliver(s, body))

		ent, err := s.entitlements.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, plan.TierFree, ent.PlanTier, "settlement happens on the client verify path")
	})
}

func TestDispatcher_FailedHandlerReleasesEvent(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	// Valid event, but the user has no entitlement record yet: the store
	// lookup fails, which is a retryable condition.
	body := activatedBody(t, uuid.New(), "evt_orphan_1", s.now.Add(30*24*time.Hour))

	err := deliver(s, body)
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	assert.Equal(t, 0, s.ledger.Len(), "failed processing releases the event id for redelivery")
}

func TestDispatcher_SupersededTransitionAcknowledged(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	userID := signup(t, s)
	require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act", s.now.Add(30*24*time.Hour))))
	require.NoError(t, deliver(s, webhookBody(t, "subscription.paused", "evt_p1", &gateway.SubscriptionEntity{
		ID:    "sub_live_1",
		Notes: map[string]string{payment.NoteUserID: userID.String()},
	}, nil)))

	// A second pause with a fresh event id is not a duplicate delivery,
	// but the transition is no longer legal; it must be acknowledged so
	// the gateway stops retrying.
	err := deliver(s, webhookBody(t, "subscription.paused", "evt_p2", &gateway.SubscriptionEntity{
		ID:    "sub_live_1",
		Notes: map[string]string{payment.NoteUserID: userID.String()},
	}, nil))
	assert.NoError(t, err)
}

func TestDispatcher_ActivationAfterCycleEndCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStack(t)
	userID := signup(t, s)

	firstEnd := s.now.Add(30 * 24 * time.Hour)
	require.NoError(t, deliver(s, activatedBody(t, userID, "evt_act_1", firstEnd)))

	_, err := s.svc.ManageSubscription(ctx, userID, billing.ManageRequest{
		Action: billing.ActionCancel,
		Reason: "switching cards",
	})
	require.NoError(t, err)

	ent, err := s.entitlements.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusCancelledPending, ent.Status)

	// The user buys a replacement subscription before the old one lapses;
	// its activation webhook must take over the record.
	newEnd := s.now.Add(45 * 24 * time.Hour)
	require.NoError(t, deliver(s, webhookBody(t, "subscription.activated", "evt_act_2", &gateway.SubscriptionEntity{
		ID:         "sub_live_2",
		PlanID:     "plan_pro_monthly",
		Status:     "active",
		CurrentEnd: newEnd.Unix(),
		Notes:      map[string]string{payment.NoteUserID: userID.String(), payment.NoteTier: "pro"},
	}, nil)))

	ent, err = s.entitlements.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assert.Equal(t, "sub_live_2", ent.GatewaySubscriptionID)
	assert.True(t, ent.AutoRenewal)
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, ent.ExpiresAt.Equal(newEnd))
}
