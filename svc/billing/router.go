package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/faqforge/billing/pkg/cancellation"
	"github.com/faqforge/billing/pkg/entitlement"
	"github.com/faqforge/billing/pkg/gateway"
	"github.com/faqforge/billing/pkg/payment"
	"github.com/faqforge/billing/pkg/plan"
	"github.com/faqforge/billing/pkg/usage"
)

// SignatureHeader carries the gateway's HMAC over the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// maxWebhookBody bounds webhook reads; gateway payloads are small.
const maxWebhookBody = 1 << 20

// RouterOptions wires the billing endpoints.
type RouterOptions struct {
	Dispatcher *Dispatcher
	Service    *Service
}

// Router mounts the billing HTTP surface:
//
//	POST /webhooks/gateway        gateway webhook intake
//	POST /orders                  start a one-time checkout
//	POST /subscriptions           start a recurring subscription
//	POST /payments/verify         settle a one-time checkout
//	GET  /payments                payment history
//	POST /subscription/manage     pause|resume|cancel|update|get_details
//	POST /subscription/reactivate reverse an end-of-cycle cancel
//	GET  /usage                   current quota position
//	POST /usage/consume           spend quota
func Router(opts RouterOptions) chi.Router {
	if opts.Dispatcher == nil || opts.Service == nil {
		panic("billing: dispatcher and service are required")
	}
	h := &httpHandlers{dispatcher: opts.Dispatcher, svc: opts.Service}

	r := chi.NewRouter()
	r.Post("/webhooks/gateway", h.webhook)
	r.Post("/orders", h.createOrder)
	r.Post("/subscriptions", h.createSubscription)
	r.Post("/payments/verify", h.verifyPayment)
	r.Get("/payments", h.listPayments)
	r.Post("/subscription/manage", h.manageSubscription)
	r.Post("/subscription/reactivate", h.reactivate)
	r.Get("/usage", h.getUsage)
	r.Post("/usage/consume", h.consumeUsage)
	return r
}

type httpHandlers struct {
	dispatcher *Dispatcher
	svc        *Service
}

func (h *httpHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	if err := h.dispatcher.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader)); err != nil {
		// Non-2xx makes the gateway redeliver; duplicates and unknown
		// events never reach here.
		status, code := statusForError(err)
		respondError(w, status, code, "webhook processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkoutRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Tier   plan.Tier `json:"tier"`
}

func (h *httpHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.svc.CreateOrder(r.Context(), req.UserID, req.Tier)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transactionView(tx))
}

func (h *httpHandlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.svc.CreateSubscription(r.Context(), req.UserID, req.Tier)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transactionView(tx))
}

type verifyRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	OrderID   string    `json:"order_id"`
	PaymentID string    `json:"payment_id"`
	Signature string    `json:"signature"`
}

func (h *httpHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ent, err := h.svc.VerifyPayment(r.Context(), req.UserID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entitlementView(ent))
}

func (h *httpHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	txs, err := h.svc.Payments(r.Context(), userID, 50)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(txs))
	for i := range txs {
		views = append(views, transactionView(&txs[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

type manageRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Immediate bool      `json:"immediate,omitempty"`
	NewTier   plan.Tier `json:"new_tier,omitempty"`
}

func (h *httpHandlers) manageSubscription(w http.ResponseWriter, r *http.Request) {
	var req manageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	details, err := h.svc.ManageSubscription(r.Context(), req.UserID, ManageRequest{
		Action:    ManageAction(req.Action),
		Reason:    req.Reason,
		Immediate: req.Immediate,
		NewTier:   req.NewTier,
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detailsView(details))
}

type reactivateRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *httpHandlers) reactivate(w http.ResponseWriter, r *http.Request) {
	var req reactivateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ent, err := h.svc.Reactivate(r.Context(), req.UserID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entitlementView(ent))
}

func (h *httpHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Usage(r.Context(), userID)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    string(snap.Status),
		"used":      snap.Quota.Used,
		"limit":     snap.Quota.Limit,
		"remaining": snap.Quota.Remaining(),
	})
}

type consumeRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Count  int       `json:"count"`
}

func (h *httpHandlers) consumeUsage(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	quota, err := h.svc.ConsumeUsage(r.Context(), req.UserID, req.Count)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"used":      quota.Used,
		"limit":     quota.Limit,
		"remaining": quota.Remaining(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return false
	}
	return true
}

func queryUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id query parameter is required")
		return uuid.Nil, false
	}
	return userID, true
}

func transactionView(tx *payment.Transaction) map[string]any {
	v := map[string]any{
		"id":       tx.ID,
		"order_id": tx.GatewayOrderID,
		"status":   string(tx.Status),
		"amount":   tx.Amount,
		"currency": tx.Currency,
		"tier":     string(tx.PlanTierRequested),
		"type":     string(tx.PaymentType),
	}
	if tx.GatewaySubscriptionID != "" {
		v["subscription_id"] = tx.GatewaySubscriptionID
	}
	return v
}

func entitlementView(ent *entitlement.Entitlement) map[string]any {
	v := map[string]any{
		"user_id":      ent.UserID,
		"tier":         string(ent.PlanTier),
		"status":       string(ent.Status),
		"usage":        ent.UsageCurrent,
		"usage_limit":  ent.UsageLimit,
		"auto_renewal": ent.AutoRenewal,
		"payment_type": string(ent.PaymentType),
	}
	if ent.ExpiresAt != nil {
		v["expires_at"] = ent.ExpiresAt.Format(time.RFC3339)
	}
	if ent.NextBillingAt != nil {
		v["next_billing_at"] = ent.NextBillingAt.Format(time.RFC3339)
	}
	return v
}

func detailsView(d *SubscriptionDetails) map[string]any {
	v := entitlementView(d.Entitlement)
	v["plan_name"] = d.Plan.Name
	v["remaining"] = d.Quota.Remaining()
	return v
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// respondError writes a fixed message, never the underlying error text:
// internals can carry gateway details that do not belong in responses.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

func respondMappedError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	respondError(w, status, code, messageForCode(code))
}

// statusForError maps the billing error taxonomy onto HTTP statuses:
// verification failures reject, precondition violations conflict, quota
// denials throttle, and gateway trouble surfaces as a bad gateway so the
// caller knows local state is unchanged.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrSignatureMismatch), errors.Is(err, gateway.ErrMissingSignature):
		return http.StatusUnauthorized, "verification_failed"
	case errors.Is(err, entitlement.ErrNotFound),
		errors.Is(err, payment.ErrTransactionNotFound),
		errors.Is(err, usage.ErrNoEntitlement),
		errors.Is(err, plan.ErrTierNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, payment.ErrTransactionOwnership):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, usage.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, entitlement.ErrAlreadyExists),
		errors.Is(err, payment.ErrTransactionExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, cancellation.ErrCancellationNotAllowed),
		errors.Is(err, cancellation.ErrReactivationNotAllowed),
		errors.Is(err, entitlement.ErrTransitionNotAllowed),
		errors.Is(err, entitlement.ErrStaleEntitlement),
		errors.Is(err, payment.ErrTransactionNotPending),
		errors.Is(err, usage.ErrInactiveEntitlement),
		errors.Is(err, ErrActionNotAllowed),
		errors.Is(err, ErrNoGatewaySubscription):
		return http.StatusConflict, "precondition_violation"
	case errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrTierRequired),
		errors.Is(err, payment.ErrFreeTierNotPurchasable),
		errors.Is(err, usage.ErrInvalidCount):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateway.ErrGatewayUnavailable), gateway.IsAPIError(err):
		return http.StatusBadGateway, "gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// messageForCode keeps response text static so wrapped internals, which
// can mention gateway details, never leak into a response.
func messageForCode(code string) string {
	switch code {
	case "verification_failed":
		return "signature verification failed"
	case "not_found":
		return "record not found"
	case "forbidden":
		return "this record belongs to another user"
	case "quota_exceeded":
		return "usage quota exceeded for the current cycle"
	case "already_exists":
		return "record already exists"
	case "precondition_violation":
		return "the current subscription state does not allow this action"
	case "invalid_request":
		return "invalid request"
	case "gateway_error":
		return "payment gateway is unavailable, please retry"
	default:
		return "something went wrong"
	}
}
