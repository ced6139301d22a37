package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/razorpay"
)

// IntentRequest asks the gateway for a payable order. Amounts are minor units.
type IntentRequest struct {
	OrderID     uuid.UUID
	OrderNumber string
	AmountMinor int64
	Currency    string
}

// Intent is the gateway order a checkout widget pays against.
type Intent struct {
	GatewayOrderID string
	AmountMinor    int64
	Currency       string
	Raw            json.RawMessage
}

// RefundRequest refunds part or all of a captured payment. Receipt is the
// local claim id; FindRefund matches on it.
type RefundRequest struct {
	GatewayPaymentID string
	AmountMinor      int64
	OrderNumber      string
	Receipt          string
	Reason           string
}

// RefundResult is the gateway's acknowledgement of a refund.
type RefundResult struct {
	GatewayRefundID string
	AmountMinor     int64
	Status          string
	Raw             json.RawMessage
}

// LinkRequest asks for a hosted payment page.
type LinkRequest struct {
	OrderID     uuid.UUID
	OrderNumber string
	AmountMinor int64
	Currency    string
	Email       string
	ExpireBy    *time.Time
}

// PaymentLink is a hosted payment page the buyer can open.
type PaymentLink struct {
	ID       string
	ShortURL string
	Raw      json.RawMessage
}

// ErrOutcomeUnknown is carried by gateway errors after which the request may
// still have been applied.
var ErrOutcomeUnknown = razorpay.ErrOutcomeUnknown

// OutcomeUnknown reports whether err leaves the gateway side undecided.
func OutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

// Gateway is the external payment processor. Transient failures surface as
// DEPENDENCY_ERROR, refusals as GATEWAY_REJECTED.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	// FindRefund looks up a refund of the payment by receipt. It returns nil
	// when the gateway has none.
	FindRefund(ctx context.Context, gatewayPaymentID, receipt string) (*RefundResult, error)
	CreatePaymentLink(ctx context.Context, req LinkRequest) (PaymentLink, error)
}

type razorpayAPI interface {
	CreateOrder(ctx context.Context, params razorpay.OrderParams) (*razorpay.Order, error)
	Refund(ctx context.Context, params razorpay.RefundParams) (*razorpay.Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]razorpay.Refund, error)
	CreatePaymentLink(ctx context.Context, params razorpay.PaymentLinkParams) (*razorpay.PaymentLink, error)
}

// RazorpayGateway adapts the Razorpay client to Gateway.
type RazorpayGateway struct {
	client razorpayAPI
}

// NewRazorpayGateway wraps client.
func NewRazorpayGateway(client razorpayAPI) (*RazorpayGateway, error) {
	if client == nil {
		return nil, errors.New("razorpay client required")
	}
	return &RazorpayGateway{client: client}, nil
}

func (g *RazorpayGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	order, err := g.client.CreateOrder(ctx, razorpay.OrderParams{
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Receipt:     req.OrderNumber,
		Notes:       map[string]string{"order_id": req.OrderID.String()},
	})
	if err != nil {
		return Intent{}, err
	}
	return Intent{
		GatewayOrderID: order.ID,
		AmountMinor:    order.Amount,
		Currency:       order.Currency,
		Raw:            order.Raw,
	}, nil
}

func (g *RazorpayGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	notes := map[string]string{"order_number": req.OrderNumber}
	if req.Reason != "" {
		notes["reason"] = req.Reason
	}
	receipt := req.Receipt
	if receipt == "" {
		receipt = req.OrderNumber
	}
	refund, err := g.client.Refund(ctx, razorpay.RefundParams{
		PaymentID:   req.GatewayPaymentID,
		AmountMinor: req.AmountMinor,
		Receipt:     receipt,
		Notes:       notes,
	})
	if err != nil {
		return RefundResult{}, err
	}
	return refundResult(refund), nil
}

func (g *RazorpayGateway) FindRefund(ctx context.Context, gatewayPaymentID, receipt string) (*RefundResult, error) {
	refunds, err := g.client.ListRefunds(ctx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	for i := range refunds {
		if refunds[i].Receipt == receipt {
			out := refundResult(&refunds[i])
			return &out, nil
		}
	}
	return nil, nil
}

func refundResult(refund *razorpay.Refund) RefundResult {
	return RefundResult{
		GatewayRefundID: refund.ID,
		AmountMinor:     refund.Amount,
		Status:          refund.Status,
		Raw:             refund.Raw,
	}
}

func (g *RazorpayGateway) CreatePaymentLink(ctx context.Context, req LinkRequest) (PaymentLink, error) {
	link, err := g.client.CreatePaymentLink(ctx, razorpay.PaymentLinkParams{
		AmountMinor:   req.AmountMinor,
		Currency:      req.Currency,
		ReferenceID:   req.OrderNumber,
		Description:   "Order " + req.OrderNumber,
		CustomerEmail: req.Email,
		ExpireBy:      req.ExpireBy,
		Notes:         map[string]string{"order_id": req.OrderID.String()},
	})
	if err != nil {
		return PaymentLink{}, err
	}
	return PaymentLink{ID: link.ID, ShortURL: link.ShortURL, Raw: link.Raw}, nil
}
