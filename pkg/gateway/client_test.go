package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faqforge/billing/pkg/gateway"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := gateway.NewClient(gateway.Config{
		BaseURL:       srv.URL,
		KeyID:         "key_test",
		KeySecret:     "secret_test",
		WebhookSecret: "whsec_test",
		HTTPTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("requires base URL", func(t *testing.T) {
		t.Parallel()
		_, err := gateway.NewClient(gateway.Config{KeyID: "k", KeySecret: "s"})
		assert.ErrorIs(t, err, gateway.ErrMissingBaseURL)
	})

	t.Run("requires credentials", func(t *testing.T) {
		t.Parallel()
		_, err := gateway.NewClient(gateway.Config{BaseURL: "http://localhost"})
		assert.ErrorIs(t, err, gateway.ErrMissingAPICredentials)
	})
}

func TestClient_CreateOrder(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key_test", user)
		assert.Equal(t, "secret_test", pass)

		var req gateway.CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(900), req.Amount)
		assert.Equal(t, "INR", req.Currency)
		assert.Equal(t, "pro", req.Notes["tier"])

		json.NewEncoder(w).Encode(gateway.Order{
			ID:       "order_abc",
			Amount:   req.Amount,
			Currency: req.Currency,
			Status:   "created",
			Notes:    req.Notes,
		})
	})

	order, err := client.CreateOrder(context.Background(), gateway.CreateOrderRequest{
		Amount:   900,
		Currency: "INR",
		Receipt:  "rcpt_1",
		Notes:    map[string]string{"user_id": "u1", "tier": "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", order.ID)
	assert.Equal(t, "created", order.Status)
}

func TestClient_CancelSubscription(t *testing.T) {
	t.Parallel()

	t.Run("sends cycle-end flag", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/subscriptions/sub_123/cancel", r.URL.Path)

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(1), body["cancel_at_cycle_end"])

			json.NewEncoder(w).Encode(gateway.Subscription{ID: "sub_123", Status: "cancelled"})
		})

		sub, err := client.CancelSubscription(context.Background(), "sub_123", true)
		require.NoError(t, err)
		assert.Equal(t, "cancelled", sub.Status)
	})

	t.Run("wraps 5xx as unavailable", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.CancelSubscription(context.Background(), "sub_123", false)
		assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	})

	t.Run("wraps timeout as unavailable", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		t.Cleanup(srv.Close)

		client, err := gateway.NewClient(gateway.Config{
			BaseURL:     srv.URL,
			KeyID:       "k",
			KeySecret:   "s",
			HTTPTimeout: 20 * time.Millisecond,
		})
		require.NoError(t, err)

		_, err = client.CancelSubscription(context.Background(), "sub_123", false)
		assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	})
}

func TestClient_UpdateSubscription(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub_42", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "plan_business_monthly", body["plan_id"])
		assert.Equal(t, "now", body["schedule_change_at"])

		json.NewEncoder(w).Encode(gateway.Subscription{
			ID:     "sub_42",
			PlanID: "plan_business_monthly",
			Status: "active",
		})
	})

	sub, err := client.UpdateSubscription(context.Background(), "sub_42", "plan_business_monthly")
	require.NoError(t, err)
	assert.Equal(t, "plan_business_monthly", sub.PlanID)
}

func TestClient_APIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"plan does not exist"}}`))
	})

	_, err := client.CreateSubscription(context.Background(), gateway.CreateSubscriptionRequest{PlanID: "plan_missing"})
	require.Error(t, err)
	require.True(t, gateway.IsAPIError(err))
	assert.NotErrorIs(t, err, gateway.ErrGatewayUnavailable)
	assert.Contains(t, err.Error(), "plan does not exist")
}

func TestClient_GetSubscription(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/subscriptions/sub_9", r.URL.Path)
		json.NewEncoder(w).Encode(gateway.Subscription{
			ID:         "sub_9",
			PlanID:     "plan_pro_monthly",
			Status:     "active",
			CurrentEnd: 1764547200,
		})
	})

	sub, err := client.GetSubscription(context.Background(), "sub_9")
	require.NoError(t, err)
	assert.Equal(t, "plan_pro_monthly", sub.PlanID)
	assert.Equal(t, int64(1764547200), sub.CurrentEnd)
}
