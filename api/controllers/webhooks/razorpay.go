package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

const (
	signatureHeader = "X-Razorpay-Signature"
	eventIDHeader   = "X-Razorpay-Event-Id"

	// maxWebhookBody bounds what is read from the gateway.
	maxWebhookBody = 1 << 20
)

// RazorpayWebhookHandler processes one signed delivery.
type RazorpayWebhookHandler interface {
	Handle(ctx context.Context, body []byte, signature, eventID string) error
}

// RazorpayWebhook always acknowledges with 200. Failures are logged here;
// a gateway retry cannot repair them.
func RazorpayWebhook(handler RazorpayWebhookHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		defer responses.WriteJSON(w, http.StatusOK, types.StatusAck{Status: "ok"})

		if handler == nil {
			logError(ctx, logg, "razorpay webhook received without a handler", nil)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			logError(ctx, logg, "read razorpay webhook body", err)
			return
		}

		eventID := r.Header.Get(eventIDHeader)
		if logg != nil {
			ctx = logg.WithField(ctx, "event_id", eventID)
		}
		if err := handler.Handle(ctx, body, r.Header.Get(signatureHeader), eventID); err != nil {
			logError(ctx, logg, "razorpay webhook processing failed", err)
			return
		}
	}
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil {
		return
	}
	if err == nil {
		logg.Warn(ctx, msg)
		return
	}
	logg.Error(ctx, msg, err)
}
