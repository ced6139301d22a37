package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

const deliveryConsumer = "notification-delivery"

// Sender hands a rendered request to the delivery channel.
type Sender interface {
	Send(ctx context.Context, req payloads.NotificationRequestedEvent) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type claimTracker interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Forget(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Consumer reads notification_requested events from Pub/Sub and delivers
// each one at most once per retention window.
type Consumer struct {
	subscription receiver
	tracker      claimTracker
	sender       Sender
	logg         *logger.Logger
}

// NewConsumer builds a notification delivery consumer.
func NewConsumer(subscription receiver, tracker claimTracker, sender Sender, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, fmt.Errorf("notification subscription required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("idempotency tracker required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: subscription,
		tracker:      tracker,
		sender:       sender,
		logg:         logg,
	}, nil
}

// Run receives until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventNotificationRequested) {
		c.logg.Info(logCtx, "skipping non-notification event")
		return processResult{}
	}

	envelope, eventID, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{}
	}
	var req payloads.NotificationRequestedEvent
	if err := json.Unmarshal(envelope.Data, &req); err != nil {
		c.logg.Error(logCtx, "failed to parse notification payload", err)
		return processResult{}
	}

	if req.RecipientID == nil && (req.Email == nil || *req.Email == "") {
		c.logg.Error(logCtx, "notification has no recipient", fmt.Errorf("template %s order %s", req.Template, req.OrderNumber))
		return processResult{}
	}

	logCtx = c.logg.WithOrderID(logCtx, req.OrderID.String())
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"event_id": eventID.String(),
		"template": req.Template,
		"audience": req.Audience,
	})

	claimed, err := c.tracker.Claim(ctx, deliveryConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if !claimed {
		c.logg.Info(logCtx, "notification already delivered")
		return processResult{}
	}

	if err := c.sender.Send(ctx, req); err != nil {
		c.logg.Error(logCtx, "notification delivery failed", err)
		if ferr := c.tracker.Forget(ctx, deliveryConsumer, eventID); ferr != nil {
			c.logg.Error(logCtx, "failed to release idempotency claim", ferr)
		}
		return processResult{nack: true}
	}
	c.logg.Info(logCtx, "notification delivered")
	return processResult{}
}

// LogSender records deliveries in the service log. It stands in for a mail
// or push provider.
type LogSender struct {
	logg *logger.Logger
}

func NewLogSender(logg *logger.Logger) *LogSender {
	return &LogSender{logg: logg}
}

func (s *LogSender) Send(ctx context.Context, req payloads.NotificationRequestedEvent) error {
	if s.logg == nil {
		return nil
	}
	fields := map[string]any{
		"order_number": req.OrderNumber,
		"template":     req.Template,
		"audience":     req.Audience,
	}
	if req.RecipientID != nil {
		fields["recipient_id"] = req.RecipientID.String()
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "notification sent")
	return nil
}
