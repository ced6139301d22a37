package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reversal components carried in refund_reversal metadata.
const (
	ComponentSellerPayout       = "seller_payout"
	ComponentPlatformCommission = "platform_commission"
)

// Service defines operations that record ledger events.
type Service interface {
	RecordSale(ctx context.Context, tx *gorm.DB, order *models.Order, actorUserID *uuid.UUID) error
	RecordReversal(ctx context.Context, tx *gorm.DB, order *models.Order, refundID uuid.UUID, refunded decimal.Decimal, actorUserID *uuid.UUID) error
	SellerBalance(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

type service struct {
	repo Repository
}

// RecordLedgerEventInput captures the immutable data a ledger event requires.
type RecordLedgerEventInput struct {
	OrderID     uuid.UUID             `json:"order_id"`
	OrderItemID *uuid.UUID            `json:"order_item_id"`
	SellerID    uuid.UUID             `json:"seller_id"`
	ActorUserID *uuid.UUID            `json:"actor_user_id"`
	Type        enums.LedgerEventType `json:"type"`
	Amount      decimal.Decimal       `json:"amount"`
	Metadata    json.RawMessage       `json:"metadata"`
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

// RecordSale writes the seller payout and platform commission for every line
// of a freshly confirmed order.
func (s *service) RecordSale(ctx context.Context, tx *gorm.DB, order *models.Order, actorUserID *uuid.UUID) error {
	if order == nil {
		return fmt.Errorf("order is required")
	}
	events := make([]models.LedgerEvent, 0, len(order.Items)*2)
	for i := range order.Items {
		item := order.Items[i]
		itemID := item.ID
		for _, input := range []RecordLedgerEventInput{
			{OrderID: order.ID, OrderItemID: &itemID, SellerID: item.SellerID, ActorUserID: actorUserID, Type: enums.LedgerEventSellerPayoutDue, Amount: item.SellerAmount},
			{OrderID: order.ID, OrderItemID: &itemID, SellerID: item.SellerID, ActorUserID: actorUserID, Type: enums.LedgerEventPlatformCommission, Amount: item.CommissionAmount},
		} {
			event, err := buildEvent(input)
			if err != nil {
				return err
			}
			events = append(events, *event)
		}
	}
	return s.repo.WithTx(tx).CreateBatch(ctx, events)
}

// RecordReversal books the refund of an order against its payout and
// commission entries. Each line is reversed in proportion to refunded over the
// order total, so a full refund clears the order and a partial one leaves the
// unrefunded share with the seller and the platform.
func (s *service) RecordReversal(ctx context.Context, tx *gorm.DB, order *models.Order, refundID uuid.UUID, refunded decimal.Decimal, actorUserID *uuid.UUID) error {
	if order == nil {
		return fmt.Errorf("order is required")
	}
	if !refunded.IsPositive() {
		return fmt.Errorf("refunded amount must be positive")
	}
	full := !order.TotalAmount.IsPositive() || refunded.GreaterThanOrEqual(order.TotalAmount)
	share := func(amount decimal.Decimal) decimal.Decimal {
		if full {
			return amount
		}
		return amount.Mul(refunded).Div(order.TotalAmount).Round(2)
	}

	events := make([]models.LedgerEvent, 0, len(order.Items)*2)
	for i := range order.Items {
		item := order.Items[i]
		itemID := item.ID
		for _, part := range []struct {
			component string
			amount    decimal.Decimal
		}{
			{ComponentSellerPayout, share(item.SellerAmount)},
			{ComponentPlatformCommission, share(item.CommissionAmount)},
		} {
			if part.amount.IsZero() {
				continue
			}
			meta, err := json.Marshal(map[string]string{
				"component":       part.component,
				"refund_id":       refundID.String(),
				"refunded_amount": refunded.StringFixed(2),
			})
			if err != nil {
				return err
			}
			event, err := buildEvent(RecordLedgerEventInput{
				OrderID:     order.ID,
				OrderItemID: &itemID,
				SellerID:    item.SellerID,
				ActorUserID: actorUserID,
				Type:        enums.LedgerEventRefundReversal,
				Amount:      part.amount.Neg(),
				Metadata:    meta,
			})
			if err != nil {
				return err
			}
			events = append(events, *event)
		}
	}
	return s.repo.WithTx(tx).CreateBatch(ctx, events)
}

// SellerBalance is the payout a seller is currently owed.
func (s *service) SellerBalance(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	if sellerID == uuid.Nil {
		return decimal.Zero, fmt.Errorf("seller id is required")
	}
	return s.repo.SumBySeller(ctx, sellerID)
}

func buildEvent(input RecordLedgerEventInput) (*models.LedgerEvent, error) {
	if input.OrderID == uuid.Nil {
		return nil, fmt.Errorf("order id is required")
	}
	if input.SellerID == uuid.Nil {
		return nil, fmt.Errorf("seller id is required")
	}
	if !input.Type.IsValid() {
		return nil, fmt.Errorf("invalid ledger event type %q", input.Type)
	}
	return &models.LedgerEvent{
		OrderID:     input.OrderID,
		OrderItemID: input.OrderItemID,
		SellerID:    input.SellerID,
		ActorUserID: input.ActorUserID,
		Type:        input.Type,
		Amount:      input.Amount,
		Metadata:    input.Metadata,
	}, nil
}

func sellerBalance(events []models.LedgerEvent) decimal.Decimal {
	total := decimal.Zero
	for _, event := range events {
		switch event.Type {
		case enums.LedgerEventSellerPayoutDue:
			total = total.Add(event.Amount)
		case enums.LedgerEventRefundReversal:
			var meta struct {
				Component string `json:"component"`
			}
			if len(event.Metadata) > 0 && json.Unmarshal(event.Metadata, &meta) == nil && meta.Component == ComponentSellerPayout {
				total = total.Add(event.Amount)
			}
		}
	}
	return total
}
