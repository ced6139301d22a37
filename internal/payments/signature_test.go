package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"testing"
)

func TestVerifyPaymentMatchesReferenceHMAC(t *testing.T) {
	signer, err := NewSigner("secret", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("order_9A33XWu170gUtm|pay_29QQoUBi66xm2f"))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !signer.VerifyPayment("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f", expected) {
		t.Fatal("expected reference signature to verify")
	}
	if !signer.VerifyPayment("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f", strings.ToUpper(expected)) {
		t.Fatal("hex case must not matter")
	}
	if signer.VerifyPayment("order_9A33XWu170gUtm", "pay_other", expected) {
		t.Fatal("signature for other ids must not verify")
	}
	if signer.VerifyPayment("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f", "") {
		t.Fatal("empty signature must not verify")
	}
}

func TestVerifyPaymentHoldsOnlyForMatchingSignature(t *testing.T) {
	signer, err := NewSigner("k3y", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	randomID := func(prefix string) string {
		const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
		b := make([]byte, 14)
		for i := range b {
			b[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return prefix + string(b)
	}

	for i := 0; i < 200; i++ {
		orderID := randomID("order_")
		paymentID := randomID("pay_")
		good := signer.SignPayment(orderID, paymentID)
		if !signer.VerifyPayment(orderID, paymentID, good) {
			t.Fatalf("iteration %d: valid signature rejected", i)
		}

		tampered := []byte(good)
		pos := rng.Intn(len(tampered))
		if tampered[pos] == '0' {
			tampered[pos] = '1'
		} else {
			tampered[pos] = '0'
		}
		if signer.VerifyPayment(orderID, paymentID, string(tampered)) {
			t.Fatalf("iteration %d: tampered signature accepted", i)
		}
		if signer.VerifyPayment(paymentID, orderID, good) {
			t.Fatalf("iteration %d: swapped ids accepted", i)
		}
	}
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)

	signer, err := NewSigner("key", "hook")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sig := signer.SignWebhook(body)
	if !signer.VerifyWebhook(body, sig) {
		t.Fatal("expected webhook signature to verify")
	}
	if signer.VerifyWebhook([]byte(`{"event":"payment.failed"}`), sig) {
		t.Fatal("signature must be bound to the body")
	}
	if signer.VerifyWebhook(body, signer.SignPayment("a", "b")) {
		t.Fatal("payment signature must not verify a webhook")
	}

	unconfigured, err := NewSigner("key", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if unconfigured.VerifyWebhook(body, unconfigured.SignWebhook(body)) {
		t.Fatal("webhooks must be rejected without a webhook secret")
	}
}

func TestNewSignerRequiresKeySecret(t *testing.T) {
	if _, err := NewSigner(" ", "hook"); err == nil {
		t.Fatal("expected error for empty key secret")
	}
}
