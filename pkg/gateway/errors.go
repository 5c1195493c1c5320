package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingBaseURL        = errors.New("gateway base URL is required")
	ErrMissingAPICredentials = errors.New("gateway API key id and secret are required")
	ErrMissingWebhookSecret  = errors.New("gateway webhook secret is required")
	ErrMissingSignature      = errors.New("signature is missing")
	ErrSignatureMismatch     = errors.New("signature verification failed")

	// ErrGatewayUnavailable wraps transport failures, timeouts, and 5xx
	// responses. Local state must stay untouched when it is returned.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// APIError is a non-2xx gateway response below the 5xx range, typically a
// rejected request. The gateway's error description is preserved when the
// body parses.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("gateway API error (status %d): %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("gateway API error (status %d)", e.StatusCode)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var envelope struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Description = envelope.Error.Description
	}
	return apiErr
}

// IsAPIError reports whether err carries a gateway API rejection.
func IsAPIError(err error) bool {
	var e *APIError
	return errors.As(err, &e)
}
