package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Signer checks gateway signatures. Payment confirmations are signed with the
// API key secret over "orderID|paymentID"; webhooks with the webhook secret
// over the raw request body.
type Signer struct {
	keySecret     []byte
	webhookSecret []byte
}

// NewSigner builds a signer. The webhook secret may be empty when webhooks
// are not configured, in which case every webhook is rejected.
func NewSigner(keySecret, webhookSecret string) (*Signer, error) {
	if strings.TrimSpace(keySecret) == "" {
		return nil, errors.New("gateway key secret required")
	}
	return &Signer{keySecret: []byte(keySecret), webhookSecret: []byte(webhookSecret)}, nil
}

// SignPayment returns the hex HMAC-SHA256 the gateway attaches to a
// successful checkout.
func (s *Signer) SignPayment(gatewayOrderID, gatewayPaymentID string) string {
	return sign(s.keySecret, []byte(gatewayOrderID+"|"+gatewayPaymentID))
}

// SignWebhook returns the hex HMAC-SHA256 of body under the webhook secret.
func (s *Signer) SignWebhook(body []byte) string {
	return sign(s.webhookSecret, body)
}

// VerifyPayment reports whether signature matches the checkout ids.
func (s *Signer) VerifyPayment(gatewayOrderID, gatewayPaymentID, signature string) bool {
	if gatewayOrderID == "" || gatewayPaymentID == "" {
		return false
	}
	return equalHex(s.SignPayment(gatewayOrderID, gatewayPaymentID), signature)
}

// VerifyWebhook reports whether signature matches body.
func (s *Signer) VerifyWebhook(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 {
		return false
	}
	return equalHex(s.SignWebhook(body), signature)
}

func sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, got string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
