package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/plan"
	"github.com/faqforge/billing/svc/billing"
)

func newTestRouter(t *testing.T) (*stack, http.Handler) {
	t.Helper()
	s := newStack(t)
	return s, billing.Router(billing.RouterOptions{Dispatcher: s.dispatcher, Service: s.svc})
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func TestRouter_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("valid delivery returns 200 and duplicate returns 200", func(t *testing.T) {
		t.Parallel()
		s, h := newTestRouter(t)
		userID := signup(t, s)
		body := activatedBody(t, userID, "evt_http_1", s.now.Add(30*24*time.Hour))
		sig := gateway.SignWebhookPayload(webhookSecret, body)

		for range 2 {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
			req.Header.Set(billing.SignatureHeader, sig)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}
		assert.Equal(t, 1, s.ledger.Len())
	})

	t.Run("bad signature returns 401 and changes nothing", func(t *testing.T) {
		t.Parallel()
		s, h := newTestRouter(t)
		userID := signup(t, s)
		body := activatedBody(t, userID, "evt_http_2", s.now.Add(30*24*time.Hour))

		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set(billing.SignatureHeader, "deadbeef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotContains(t, rec.Body.String(), "deadbeef", "responses never echo signatures")

		ent, err := s.entitlements.Get(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, plan.TierFree, ent.PlanTier)
	})

	t.Run("retryable failure returns non-2xx", func(t *testing.T) {
		t.Parallel()
		s, h := newTestRouter(t)
		// No signup: the entitlement lookup fails and the gateway should
		// redeliver.
		body := activatedBody(t, uuid.New(), "evt_http_3", s.now.Add(30*24*time.Hour))

		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set(billing.SignatureHeader, gateway.SignWebhookPayload(webhookSecret, body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouter_CheckoutFlow(t *testing.T) {
	t.Parallel()
	s, h := newTestRouter(t)
	userID := signup(t, s)

	rec := postJSON(t, h, "/orders", map[string]any{"user_id": userID, "tier": "pro"})
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decodeData(t, rec)
	assert.Equal(t, float64(900), order["amount"])
	assert.Equal(t, "INR", order["currency"])
	orderID, _ := order["order_id"].(string)
	require.NotEmpty(t, orderID)

	sig := gateway.SignCheckout(checkoutSecret, orderID, "pay_http_1")
	rec = postJSON(t, h, "/payments/verify", map[string]any{
		"user_id":    userID,
		"order_id":   orderID,
		"payment_id": "pay_http_1",
		"signature":  sig,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ent := decodeData(t, rec)
	assert.Equal(t, "pro", ent["tier"])
	assert.Equal(t, "active", ent["status"])
	assert.Equal(t, float64(100), ent["usage_limit"])

	rec = postJSON(t, h, "/payments/verify", map[string]any{
		"user_id":    userID,
		"order_id":   orderID,
		"payment_id": "pay_http_1",
		"signature":  "ffff",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "settled transaction cannot be verified again")
}

func TestRouter_VerifyRejectsBadSignature(t *testing.T) {
	t.Parallel()
	s, h := newTestRouter(t)
	userID := signup(t, s)

	rec := postJSON(t, h, "/orders", map[string]any{"user_id": userID, "tier": "pro"})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeData(t, rec)["order_id"].(string)

	rec = postJSON(t, h, "/payments/verify", map[string]any{
		"user_id":    userID,
		"order_id":   orderID,
		"payment_id": "pay_http_1",
		"signature":  "ffff",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_Usage(t *testing.T) {
	t.Parallel()
	s, h := newTestRouter(t)
	userID := signup(t, s)

	rec := postJSON(t, h, "/usage/consume", map[string]any{"user_id": userID, "count": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	quota := decodeData(t, rec)
	assert.Equal(t, float64(0), quota["remaining"])

	rec = postJSON(t, h, "/usage/consume", map[string]any{"user_id": userID, "count": 1})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/usage?user_id=%s", userID), nil)
	recGet := httptest.NewRecorder()
	h.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)
	view := decodeData(t, recGet)
	assert.Equal(t, float64(5), view["used"])
	assert.Equal(t, float64(5), view["limit"])

	req = httptest.NewRequest(http.MethodGet, "/usage?user_id=not-a-uuid", nil)
	recBad := httptest.NewRecorder()
	h.ServeHTTP(recBad, req)
	assert.Equal(t, http.StatusBadRequest, recBad.Code)
}

func TestRouter_ManageSubscription(t *testing.T) {
	t.Parallel()
	s, h := newTestRouter(t)
	userID := signup(t, s)
	body := activatedBody(t, userID, "evt_http_act", s.now.Add(30*24*time.Hour))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set(billing.SignatureHeader, gateway.SignWebhookPayload(webhookSecret, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := postJSON(t, h, "/subscription/manage", map[string]any{
		"user_id": userID,
		"action":  "cancel",
		"reason":  "testing cancellation",
	})
	require.Equal(t, http.StatusOK, rec2.Code)
	details := decodeData(t, rec2)
	assert.Equal(t, "cancelled_pending", details["status"])

	rec3 := postJSON(t, h, "/subscription/reactivate", map[string]any{"user_id": userID})
	require.Equal(t, http.StatusOK, rec3.Code)
	assert.Equal(t, "active", decodeData(t, rec3)["status"])

	rec4 := postJSON(t, h, "/subscription/manage", map[string]any{
		"user_id": userID,
		"action":  "destroy",
	})
	assert.Equal(t, http.StatusBadRequest, rec4.Code)

	reqBad := httptest.NewRequest(http.MethodPost, "/subscription/manage", bytes.NewBufferString("{"))
	rec5 := httptest.NewRecorder()
	h.ServeHTTP(rec5, reqBad)
	assert.Equal(t, http.StatusBadRequest, rec5.Code)
}
