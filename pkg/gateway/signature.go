package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifyWebhookSignature checks the HMAC-SHA256 signature of a webhook
// payload against the shared secret. The body must be the exact bytes
// received on the wire: re-serialized JSON changes the signature base.
// Fails closed on a missing secret or signature.
func VerifyWebhookSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrMissingWebhookSecret
	}
	if signature == "" {
		return ErrMissingSignature
	}

	expected := hmacHex([]byte(secret), body)
	// Constant-time comparison prevents timing-based signature recovery.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyCheckoutSignature checks the signature the gateway's checkout
// returns to the client after a one-time payment. The signature base is
// "<orderID>|<paymentID>" keyed with the API key secret.
func VerifyCheckoutSignature(secret, orderID, paymentID, signature string) error {
	if secret == "" {
		return ErrMissingAPICredentials
	}
	if signature == "" {
		return ErrMissingSignature
	}

	expected := hmacHex([]byte(secret), []byte(orderID+"|"+paymentID))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignWebhookPayload computes the signature the gateway would attach to a
// payload. Used by tests and the local gateway simulator.
func SignWebhookPayload(secret string, body []byte) string {
	return hmacHex([]byte(secret), body)
}

// SignCheckout computes a checkout confirmation signature for
// "<orderID>|<paymentID>".
func SignCheckout(secret, orderID, paymentID string) string {
	return hmacHex([]byte(secret), []byte(orderID+"|"+paymentID))
}

func hmacHex(key, message []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return hex.EncodeToString(h.Sum(nil))
}
