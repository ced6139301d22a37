package notifications

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

const (
	TemplateOrderConfirmed      = "order_confirmed"
	TemplateSellerOrderReceived = "seller_order_received"

	AudienceBuyer  = "buyer"
	AudienceGuest  = "guest"
	AudienceSeller = "seller"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Notifier queues the messages sent when an order is paid. Delivery happens
// downstream of the outbox; nothing here talks to a mail provider.
type Notifier struct {
	tx     txRunner
	outbox outboxPublisher
}

// NewNotifier wires the outbox-backed notifier.
func NewNotifier(tx txRunner, publisher outboxPublisher) (*Notifier, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &Notifier{tx: tx, outbox: publisher}, nil
}

// BuyerOrderData is the template data for order_confirmed.
type BuyerOrderData struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	ItemCount   int             `json:"item_count"`
}

// SellerOrderData is the template data for seller_order_received.
type SellerOrderData struct {
	Products     []string        `json:"products"`
	Quantity     int             `json:"quantity"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
	Currency     string          `json:"currency"`
}

// OrderConfirmed queues one buyer message and one message per seller.
func (n *Notifier) OrderConfirmed(ctx context.Context, order *models.Order) error {
	if order == nil {
		return fmt.Errorf("order is required")
	}
	requests := Requests(order)
	if len(requests) == 0 {
		return nil
	}
	return n.tx.WithTx(ctx, func(tx *gorm.DB) error {
		for _, req := range requests {
			if err := n.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventNotificationRequested,
				AggregateType: enums.AggregateNotification,
				AggregateID:   order.ID,
				Actor:         &outbox.ActorRef{Role: string(enums.RoleSystem)},
				Data:          req,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Requests builds the notification requests for a confirmed order. A buyer
// with neither an account nor an email gets no message.
func Requests(order *models.Order) []payloads.NotificationRequestedEvent {
	out := make([]payloads.NotificationRequestedEvent, 0, 1+len(order.Items))

	buyer := payloads.NotificationRequestedEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Template:    TemplateOrderConfirmed,
		Data: BuyerOrderData{
			TotalAmount: order.TotalAmount,
			Currency:    order.Currency,
			ItemCount:   itemCount(order.Items),
		},
	}
	switch {
	case order.BuyerUserID != nil:
		buyer.Audience = AudienceBuyer
		buyer.RecipientID = order.BuyerUserID
		out = append(out, buyer)
	case order.GuestEmail != nil && *order.GuestEmail != "":
		buyer.Audience = AudienceGuest
		buyer.Email = order.GuestEmail
		out = append(out, buyer)
	}

	for _, sellerID := range order.SellerIDs() {
		data := SellerOrderData{Currency: order.Currency, SellerAmount: decimal.Zero}
		for _, item := range order.Items {
			if item.SellerID != sellerID {
				continue
			}
			data.Products = append(data.Products, item.ProductName)
			data.Quantity += item.Quantity
			data.SellerAmount = data.SellerAmount.Add(item.SellerAmount)
		}
		recipient := sellerID
		out = append(out, payloads.NotificationRequestedEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Template:    TemplateSellerOrderReceived,
			Audience:    AudienceSeller,
			RecipientID: &recipient,
			Data:        data,
		})
	}
	return out
}

func itemCount(items []models.OrderItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}
