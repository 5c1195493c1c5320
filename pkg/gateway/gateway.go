// Package gateway implements the payment gateway integration: the outbound
// REST client for orders and subscriptions, HMAC signature verification for
// inbound webhooks and checkout confirmations, and the webhook event wire
// contract.
//
// The gateway is treated as a remote collaborator with a defined
// request/response shape. All calls run with bounded timeouts; a timeout or
// transport failure surfaces as ErrGatewayUnavailable so callers can leave
// local state untouched and retry.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds gateway credentials and client settings. The key pair
// authenticates outbound API calls; the webhook secret authenticates
// inbound notifications.
type Config struct {
	BaseURL       string        `env:"GATEWAY_BASE_URL,required"`
	KeyID         string        `env:"GATEWAY_KEY_ID,required"`
	KeySecret     string        `env:"GATEWAY_KEY_SECRET,required"`
	WebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET,required"`
	HTTPTimeout   time.Duration `env:"GATEWAY_HTTP_TIMEOUT" envDefault:"10s"`
}

// API is the gateway surface consumed by the reconciler and the
// cancellation manager. Declared here so callers can depend on the
// interface and tests can substitute mocks.
type API interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID, planID string) (*Subscription, error)
	PauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

// NewClient validates the configuration and returns a Client. Missing
// credentials are a configuration error: the client refuses to construct
// rather than falling back to empty auth.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, ErrMissingAPICredentials
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		keyID:      cfg.KeyID,
		keySecret:  cfg.KeySecret,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Order is the gateway's one-time payment intent.
type Order struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes"`
}

// Subscription is the gateway's recurring billing record. CurrentStart and
// CurrentEnd are unix seconds bounding the current billing cycle.
type Subscription struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	Status       string            `json:"status"`
	CurrentStart int64             `json:"current_start"`
	CurrentEnd   int64             `json:"current_end"`
	Notes        map[string]string `json:"notes"`
}

// CreateOrderRequest creates a one-time order. Notes carry the internal
// user id and requested tier so webhook payloads can be correlated back.
type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateSubscriptionRequest starts a recurring subscription on a gateway
// plan. TotalCount is the number of billing cycles the gateway should run.
type CreateSubscriptionRequest struct {
	PlanID     string            `json:"plan_id"`
	TotalCount int               `json:"total_count"`
	Notes      map[string]string `json:"notes,omitempty"`
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*Subscription, error) {
	body := map[string]any{"cancel_at_cycle_end": boolToInt(atCycleEnd)}
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/cancel", body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscription moves the subscription to another gateway plan,
// effective immediately.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID, planID string) (*Subscription, error) {
	body := map[string]any{"plan_id": planID, "schedule_change_at": "now"}
	var sub Subscription
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+subscriptionID, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) PauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	body := map[string]any{"pause_at": "now"}
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/pause", body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	body := map[string]any{"resume_at": "now"}
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/resume", body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal gateway request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+basicAuth(c.keyID, c.keySecret))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Join(ErrGatewayUnavailable, newAPIError(resp.StatusCode, raw))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return newAPIError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

func basicAuth(keyID, keySecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(keyID + ":" + keySecret))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
