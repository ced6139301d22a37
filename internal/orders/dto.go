package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

// LineInput is one requested product line.
type LineInput struct {
	ProductID uuid.UUID
	Quantity  int
}

// CreateOrderInput carries an authenticated buyer's order request.
type CreateOrderInput struct {
	BuyerUserID uuid.UUID
	AddressID   uuid.UUID
	Items       []LineInput
	Notes       *string
}

// CreateGuestOrderInput carries an order placed without an account.
type CreateGuestOrderInput struct {
	Email   string
	Address types.Address
	Items   []LineInput
	Notes   *string
}

// OrderItemView is the API shape of an order line.
type OrderItemView struct {
	ID               uuid.UUID         `json:"id"`
	ProductID        uuid.UUID         `json:"productId"`
	SellerID         uuid.UUID         `json:"sellerId"`
	ProductName      string            `json:"productName"`
	Quantity         int               `json:"quantity"`
	UnitPrice        decimal.Decimal   `json:"unitPrice"`
	LineTotal        decimal.Decimal   `json:"lineTotal"`
	CommissionAmount decimal.Decimal   `json:"commissionAmount"`
	SellerAmount     decimal.Decimal   `json:"sellerAmount"`
	Status           enums.OrderStatus `json:"status"`
}

// PaymentView summarizes the gateway record of an order.
type PaymentView struct {
	Method           enums.PaymentMethod `json:"method"`
	Status           enums.PaymentStatus `json:"status"`
	GatewayOrderID   string              `json:"gatewayOrderId"`
	GatewayPaymentID *string             `json:"gatewayPaymentId,omitempty"`
	PaymentLinkURL   *string             `json:"paymentLinkUrl,omitempty"`
	PaidAt           *time.Time          `json:"paidAt,omitempty"`
}

// OrderView is the API shape of a full order.
type OrderView struct {
	ID                   uuid.UUID           `json:"id"`
	OrderNumber          string              `json:"orderNumber"`
	BuyerUserID          *uuid.UUID          `json:"buyerUserId,omitempty"`
	GuestEmail           *string             `json:"guestEmail,omitempty"`
	ShippingAddress      types.Address       `json:"shippingAddress"`
	Notes                *string             `json:"notes,omitempty"`
	Currency             string              `json:"currency"`
	Subtotal             decimal.Decimal     `json:"subtotal"`
	DiscountAmount       decimal.Decimal     `json:"discountAmount"`
	TaxAmount            decimal.Decimal     `json:"taxAmount"`
	ShippingAmount       decimal.Decimal     `json:"shippingAmount"`
	TotalAmount          decimal.Decimal     `json:"totalAmount"`
	Status               enums.OrderStatus   `json:"status"`
	PaymentStatus        enums.PaymentStatus `json:"paymentStatus"`
	ReservationExpiresAt *time.Time          `json:"reservationExpiresAt,omitempty"`
	ConfirmedAt          *time.Time          `json:"confirmedAt,omitempty"`
	CancelledAt          *time.Time          `json:"cancelledAt,omitempty"`
	RefundedAt           *time.Time          `json:"refundedAt,omitempty"`
	Items                []OrderItemView     `json:"items"`
	Payment              *PaymentView        `json:"payment,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
}

// NewOrderView maps a persisted order into its API shape.
func NewOrderView(order *models.Order) OrderView {
	view := OrderView{
		ID:                   order.ID,
		OrderNumber:          order.OrderNumber,
		BuyerUserID:          order.BuyerUserID,
		GuestEmail:           order.GuestEmail,
		ShippingAddress:      order.ShippingAddress,
		Notes:                order.Notes,
		Currency:             order.Currency,
		Subtotal:             order.Subtotal,
		DiscountAmount:       order.DiscountAmount,
		TaxAmount:            order.TaxAmount,
		ShippingAmount:       order.ShippingAmount,
		TotalAmount:          order.TotalAmount,
		Status:               order.Status,
		PaymentStatus:        order.PaymentStatus,
		ReservationExpiresAt: order.ReservationExpiresAt,
		ConfirmedAt:          order.ConfirmedAt,
		CancelledAt:          order.CancelledAt,
		RefundedAt:           order.RefundedAt,
		Items:                make([]OrderItemView, 0, len(order.Items)),
		CreatedAt:            order.CreatedAt,
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, OrderItemView{
			ID:               item.ID,
			ProductID:        item.ProductID,
			SellerID:         item.SellerID,
			ProductName:      item.ProductName,
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice,
			LineTotal:        item.LineTotal,
			CommissionAmount: item.CommissionAmount,
			SellerAmount:     item.SellerAmount,
			Status:           item.Status,
		})
	}
	if p := order.Payment; p != nil {
		view.Payment = &PaymentView{
			Method:           p.Method,
			Status:           p.Status,
			GatewayOrderID:   p.GatewayOrderID,
			GatewayPaymentID: p.GatewayPaymentID,
			PaymentLinkURL:   p.PaymentLinkURL,
			PaidAt:           p.PaidAt,
		}
	}
	return view
}

// OrderSummary is one row of the buyer order list.
type OrderSummary struct {
	ID            uuid.UUID           `json:"id"`
	OrderNumber   string              `json:"orderNumber"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"paymentStatus"`
	TotalAmount   decimal.Decimal     `json:"totalAmount"`
	Currency      string              `json:"currency"`
	TotalItems    int                 `json:"totalItems"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// NewOrderSummary condenses an order for list responses.
func NewOrderSummary(order *models.Order) OrderSummary {
	items := 0
	for _, item := range order.Items {
		items += item.Quantity
	}
	return OrderSummary{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		TotalItems:    items,
		CreatedAt:     order.CreatedAt,
	}
}

// OrderList wraps a page of orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderSummary `json:"orders"`
	NextCursor string         `json:"nextCursor,omitempty"`
}
