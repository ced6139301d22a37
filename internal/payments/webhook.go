package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	webhookScope      = "razorpay_webhook"
	defaultWebhookTTL = 24 * time.Hour

	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventOrderPaid       = "order.paid"
	EventPaymentLinkPaid = "payment_link.paid"
)

// IdempotencyGuard remembers processed webhook deliveries.
type IdempotencyGuard interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type confirmer interface {
	Confirm(ctx context.Context, in Confirmation) (*ConfirmResult, error)
	Fail(ctx context.Context, in Failure) (*ConfirmResult, error)
}

// WebhookHandler authenticates, deduplicates and routes gateway webhooks.
type WebhookHandler struct {
	signer      *Signer
	coordinator confirmer
	guard       IdempotencyGuard
	ttl         time.Duration
	logg        *logger.Logger
}

// NewWebhookHandler builds a handler. guard may be nil, in which case
// deduplication relies on the coordinator alone.
func NewWebhookHandler(signer *Signer, coordinator confirmer, guard IdempotencyGuard, ttl time.Duration, logg *logger.Logger) (*WebhookHandler, error) {
	if signer == nil {
		return nil, errors.New("signer required")
	}
	if coordinator == nil {
		return nil, errors.New("coordinator required")
	}
	if ttl <= 0 {
		ttl = defaultWebhookTTL
	}
	return &WebhookHandler{signer: signer, coordinator: coordinator, guard: guard, ttl: ttl, logg: logg}, nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
		PaymentLink *struct {
			Entity struct {
				ID          string `json:"id"`
				ReferenceID string `json:"reference_id"`
			} `json:"entity"`
		} `json:"payment_link"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	ErrorDescription *string         `json:"error_description"`
	Notes            json.RawMessage `json:"notes"`
}

// noteOrderID reads notes.order_id. Notes arrive as an object, or as an empty
// array when there are none.
func (e paymentEntity) noteOrderID() uuid.UUID {
	var notes map[string]any
	if len(e.Notes) == 0 || json.Unmarshal(e.Notes, &notes) != nil {
		return uuid.Nil
	}
	raw, _ := notes["order_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Handle processes one webhook delivery. body must be the exact bytes the
// gateway signed.
func (h *WebhookHandler) Handle(ctx context.Context, body []byte, signature, eventID string) error {
	if !h.signer.VerifyWebhook(body, signature) {
		h.warn(ctx, "webhook signature mismatch", map[string]any{"event_id": eventID})
		return pkgerrors.New(pkgerrors.CodeInvalidSignature, "webhook verification failed")
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed webhook payload")
	}
	if h.logg != nil {
		ctx = h.logg.WithFields(ctx, map[string]any{"webhook_event": envelope.Event, "event_id": eventID})
	}

	key, claimed := h.claim(ctx, envelope, eventID)
	if !claimed {
		h.info(ctx, "duplicate webhook delivery ignored")
		return nil
	}

	if err := h.route(ctx, envelope, body); err != nil {
		if key != "" {
			if delErr := h.guard.Del(context.WithoutCancel(ctx), key); delErr != nil {
				h.warn(ctx, "release webhook idempotency key failed", map[string]any{"error": delErr.Error()})
			}
		}
		return err
	}
	return nil
}

// claim reserves the delivery id. Without a guard, or when redis is
// unreachable, the delivery is processed and the coordinator deduplicates.
func (h *WebhookHandler) claim(ctx context.Context, envelope webhookEnvelope, eventID string) (string, bool) {
	if h.guard == nil {
		return "", true
	}
	id := eventID
	if id == "" {
		payment := envelope.Payload.Payment
		if payment == nil || payment.Entity.ID == "" {
			return "", true
		}
		id = envelope.Event + ":" + payment.Entity.ID
	}
	key := h.guard.IdempotencyKey(webhookScope, id)
	ok, err := h.guard.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), h.ttl)
	if err != nil {
		h.warn(ctx, "webhook idempotency guard unavailable", map[string]any{"error": err.Error()})
		return "", true
	}
	return key, ok
}

func (h *WebhookHandler) route(ctx context.Context, envelope webhookEnvelope, raw []byte) error {
	switch envelope.Event {
	case EventPaymentCaptured, EventOrderPaid, EventPaymentLinkPaid:
		payment := envelope.Payload.Payment
		if payment == nil || payment.Entity.ID == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s without payment entity", envelope.Event))
		}
		gatewayOrderID := payment.Entity.OrderID
		switch {
		case envelope.Event == EventPaymentLinkPaid && envelope.Payload.PaymentLink != nil:
			gatewayOrderID = envelope.Payload.PaymentLink.Entity.ID
		case gatewayOrderID == "" && envelope.Payload.Order != nil:
			gatewayOrderID = envelope.Payload.Order.Entity.ID
		}
		_, err := h.coordinator.Confirm(ctx, Confirmation{
			Source:           enums.ConfirmationSourceWebhook,
			GatewayOrderID:   gatewayOrderID,
			GatewayPaymentID: payment.Entity.ID,
			OrderID:          payment.Entity.noteOrderID(),
			AmountMinor:      payment.Entity.Amount,
			PreVerified:      true,
			Raw:              raw,
		})
		return err
	case EventPaymentFailed:
		payment := envelope.Payload.Payment
		if payment == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment.failed without payment entity")
		}
		reason := "payment failed"
		if payment.Entity.ErrorDescription != nil && *payment.Entity.ErrorDescription != "" {
			reason = *payment.Entity.ErrorDescription
		}
		_, err := h.coordinator.Fail(ctx, Failure{
			GatewayOrderID:   payment.Entity.OrderID,
			GatewayPaymentID: payment.Entity.ID,
			OrderID:          payment.Entity.noteOrderID(),
			Reason:           reason,
		})
		return err
	default:
		h.info(ctx, "webhook event ignored")
		return nil
	}
}

func (h *WebhookHandler) info(ctx context.Context, msg string) {
	if h.logg != nil {
		h.logg.Info(ctx, msg)
	}
}

func (h *WebhookHandler) warn(ctx context.Context, msg string, fields map[string]any) {
	if h.logg != nil {
		h.logg.Warn(h.logg.WithFields(ctx, fields), msg)
	}
}
