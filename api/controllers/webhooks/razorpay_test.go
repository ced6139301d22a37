package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingHandler struct {
	body      string
	signature string
	eventID   string
	err       error
}

func (h *recordingHandler) Handle(_ context.Context, body []byte, signature, eventID string) error {
	h.body = string(body)
	h.signature = signature
	h.eventID = eventID
	return h.err
}

func TestRazorpayWebhookForwardsRawBodyAndHeaders(t *testing.T) {
	handler := &recordingHandler{}
	body := `{"event":"payment.captured","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/webhook", strings.NewReader(body))
	req.Header.Set(signatureHeader, "sig")
	req.Header.Set(eventIDHeader, "evt_1")
	rec := httptest.NewRecorder()

	RazorpayWebhook(handler, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if handler.body != body || handler.signature != "sig" || handler.eventID != "evt_1" {
		t.Fatalf("unexpected forward %+v", handler)
	}
}

func TestRazorpayWebhookAcknowledgesFailures(t *testing.T) {
	tests := map[string]RazorpayWebhookHandler{
		"handler error": &recordingHandler{err: errors.New("db down")},
		"no handler":    nil,
	}
	for name, handler := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/webhook", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		RazorpayWebhook(handler, nil).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", name, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
			t.Fatalf("%s: unexpected body %s", name, rec.Body.String())
		}
	}
}
