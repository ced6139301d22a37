package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// IntentResult is what a checkout widget needs to collect payment.
type IntentResult struct {
	OrderID          uuid.UUID `json:"orderId"`
	GatewayOrderID   string    `json:"gatewayOrderId"`
	AmountMinorUnits int64     `json:"amountMinorUnits"`
	Currency         string    `json:"currency"`
	KeyID            string    `json:"keyId"`
}

// LinkResult is a hosted payment page for an order.
type LinkResult struct {
	OrderID       uuid.UUID `json:"orderId"`
	PaymentLinkID string    `json:"paymentLinkId"`
	ShortURL      string    `json:"shortUrl"`
}

// Service opens gateway payments for pending orders.
type Service interface {
	CreateIntent(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*IntentResult, error)
	CreatePaymentLink(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*LinkResult, error)
}

type service struct {
	orders         orders.Repository
	payments       Repository
	tx             txRunner
	gateway        Gateway
	keyID          string
	reservationTTL time.Duration
	logg           *logger.Logger
	now            func() time.Time
}

// NewService wires payment creation. keyID is echoed to clients so they can
// open the checkout widget.
func NewService(orderRepo orders.Repository, paymentRepo Repository, tx txRunner, gateway Gateway, keyID string, reservationTTL time.Duration, logg *logger.Logger) (Service, error) {
	if orderRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if paymentRepo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	return &service{
		orders:         orderRepo,
		payments:       paymentRepo,
		tx:             tx,
		gateway:        gateway,
		keyID:          keyID,
		reservationTTL: reservationTTL,
		logg:           logg,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) CreateIntent(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*IntentResult, error) {
	order, err := s.payableOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if existing := order.Payment; existing != nil && existing.Status == enums.PaymentStatusPending {
		if existing.Method != enums.PaymentMethodIntent {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "a payment link is already open for this order")
		}
		return s.intentResult(order, existing), nil
	}

	intent, err := s.gateway.CreateIntent(ctx, IntentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		AmountMinor: pricing.ToMinorUnits(order.TotalAmount),
		Currency:    order.Currency,
	})
	if err != nil {
		return nil, err
	}

	payment, err := s.attach(ctx, order, &models.Payment{
		Method:           enums.PaymentMethodIntent,
		GatewayOrderID:   intent.GatewayOrderID,
		Status:           enums.PaymentStatusPending,
		Amount:           order.TotalAmount,
		AmountMinorUnits: pricing.ToMinorUnits(order.TotalAmount),
		Currency:         order.Currency,
		RawResponse:      intent.Raw,
	})
	if err != nil {
		return nil, err
	}
	return s.intentResult(order, payment), nil
}

func (s *service) CreatePaymentLink(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*LinkResult, error) {
	order, err := s.payableOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if existing := order.Payment; existing != nil && existing.Status == enums.PaymentStatusPending {
		if existing.Method != enums.PaymentMethodPaymentLink {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "a checkout payment is already open for this order")
		}
		return linkResult(order, existing), nil
	}

	email := ""
	if order.GuestEmail != nil {
		email = *order.GuestEmail
	}
	link, err := s.gateway.CreatePaymentLink(ctx, LinkRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		AmountMinor: pricing.ToMinorUnits(order.TotalAmount),
		Currency:    order.Currency,
		Email:       email,
		ExpireBy:    order.ReservationExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	linkID := link.ID
	shortURL := link.ShortURL
	// The link id doubles as the gateway reference that payment_link.paid
	// webhooks resolve the order by.
	payment, err := s.attach(ctx, order, &models.Payment{
		Method:           enums.PaymentMethodPaymentLink,
		GatewayOrderID:   link.ID,
		PaymentLinkID:    &linkID,
		PaymentLinkURL:   &shortURL,
		Status:           enums.PaymentStatusPending,
		Amount:           order.TotalAmount,
		AmountMinorUnits: pricing.ToMinorUnits(order.TotalAmount),
		Currency:         order.Currency,
		RawResponse:      link.Raw,
	})
	if err != nil {
		return nil, err
	}
	return linkResult(order, payment), nil
}

func (s *service) payableOrder(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orderId is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if !actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}
	if order.Status != enums.OrderStatusPending || order.PaymentStatus == enums.PaymentStatusCompleted {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order is not awaiting payment").
			WithDetails(map[string]any{"status": order.Status, "paymentStatus": order.PaymentStatus})
	}
	return order, nil
}

// attach stores payment as the order's gateway record, replacing a failed
// attempt, and pushes the reservation expiry out so the buyer has time to pay.
func (s *service) attach(ctx context.Context, order *models.Order, payment *models.Payment) (*models.Payment, error) {
	expiresAt := s.now().Add(s.reservationTTL)
	if order.ReservationExpiresAt != nil && order.ReservationExpiresAt.After(expiresAt) {
		expiresAt = *order.ReservationExpiresAt
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		existing, err := payments.FindByOrderID(ctx, order.ID)
		switch {
		case err == nil:
			if existing.Status != enums.PaymentStatusFailed {
				return pkgerrors.New(pkgerrors.CodeConflict, "a payment is already open for this order")
			}
			payment.ID = existing.ID
			err = payments.Update(ctx, existing.ID, map[string]any{
				"method":             payment.Method,
				"gateway_order_id":   payment.GatewayOrderID,
				"gateway_payment_id": nil,
				"payment_link_id":    payment.PaymentLinkID,
				"payment_link_url":   payment.PaymentLinkURL,
				"signature":          nil,
				"status":             enums.PaymentStatusPending,
				"amount":             payment.Amount,
				"amount_minor_units": payment.AmountMinorUnits,
				"currency":           payment.Currency,
				"raw_response":       payment.RawResponse,
				"failure_reason":     nil,
			})
		case errors.Is(err, gorm.ErrRecordNotFound):
			payment.OrderID = order.ID
			err = payments.Create(ctx, payment)
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "a payment is already open for this order")
			}
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store payment")
		}

		// a first intent leaves the payment pending; a retry re-arms a failed one
		guard := orders.StatusGuard{
			Statuses: []enums.OrderStatus{enums.OrderStatusPending},
			PaymentStatuses: append([]enums.PaymentStatus{enums.PaymentStatusPending},
				enums.PaymentStatusesLeadingTo(enums.PaymentStatusPending)...),
		}
		ok, err := s.orders.WithTx(tx).Transition(ctx, order.ID, guard, map[string]any{
			"gateway_order_id":       payment.GatewayOrderID,
			"payment_status":         enums.PaymentStatusPending,
			"reservation_expires_at": expiresAt,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order is not awaiting payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, order.ID.String())
		logCtx = s.logg.WithGatewayOrderID(logCtx, payment.GatewayOrderID)
		logCtx = s.logg.WithField(logCtx, "method", string(payment.Method))
		s.logg.Info(logCtx, "payment opened")
	}
	return payment, nil
}

func (s *service) intentResult(order *models.Order, payment *models.Payment) *IntentResult {
	return &IntentResult{
		OrderID:          order.ID,
		GatewayOrderID:   payment.GatewayOrderID,
		AmountMinorUnits: payment.AmountMinorUnits,
		Currency:         payment.Currency,
		KeyID:            s.keyID,
	}
}

func linkResult(order *models.Order, payment *models.Payment) *LinkResult {
	out := &LinkResult{OrderID: order.ID, PaymentLinkID: payment.GatewayOrderID}
	if payment.PaymentLinkURL != nil {
		out.ShortURL = *payment.PaymentLinkURL
	}
	return out
}
