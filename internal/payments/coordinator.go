package payments

import (
	"context"
	"encoding/json"
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
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

const lockScopeOrderPayment = "order_payment"

var errAlreadyConfirmed = errors.New("payment already confirmed")

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockCommitter turns reservations into sales.
type StockCommitter interface {
	Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

// SaleRecorder books seller payouts and platform commission.
type SaleRecorder interface {
	RecordSale(ctx context.Context, tx *gorm.DB, order *models.Order, actorUserID *uuid.UUID) error
}

// Notifier is told about confirmed orders after the confirmation commits.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order) error
}

// Confirmation is a claim that the gateway captured a payment, from either
// the client verify call or a webhook.
type Confirmation struct {
	Source           enums.ConfirmationSource
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	// PreVerified is set when the carrier (a webhook body) was already
	// authenticated, so no per-payment signature exists.
	PreVerified bool
	Raw         json.RawMessage
	// Actor is the authenticated caller of the verify call. It must be able
	// to see the order.
	Actor *orders.Actor
	// OrderID is the order reference carried in gateway notes. It resolves
	// payment-link captures whose gateway order id was minted by the gateway.
	OrderID uuid.UUID
	// AmountMinor is the captured amount when the carrier reports one.
	AmountMinor int64
}

// ConfirmResult reports the order and whether this call changed it.
// AppliedBy names the path whose confirmation was applied.
type ConfirmResult struct {
	OrderID   uuid.UUID
	Applied   bool
	AppliedBy enums.ConfirmationSource
}

// Failure reports a failed gateway attempt.
type Failure struct {
	GatewayOrderID   string
	GatewayPaymentID string
	OrderID          uuid.UUID
	Reason           string
}

// Coordinator applies payment confirmations exactly once per order no matter
// how many times, or by which path, they arrive.
type Coordinator struct {
	orders   orders.Repository
	payments Repository
	tx       txRunner
	stock    StockCommitter
	ledger   SaleRecorder
	outbox   outboxPublisher
	notifier Notifier
	signer   *Signer
	locks    OrderLocker
	logg     *logger.Logger
	metrics  *metrics.PaymentMetrics
	now      func() time.Time
}

// CoordinatorDeps lists the collaborators of a Coordinator. Locks, Notifier,
// Logger and Metrics are optional.
type CoordinatorDeps struct {
	Orders   orders.Repository
	Payments Repository
	Tx       txRunner
	Stock    StockCommitter
	Ledger   SaleRecorder
	Outbox   outboxPublisher
	Notifier Notifier
	Signer   *Signer
	Locks    OrderLocker
	Logger   *logger.Logger
	Metrics  *metrics.PaymentMetrics
}

// NewCoordinator validates deps and builds a Coordinator.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	switch {
	case deps.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case deps.Payments == nil:
		return nil, fmt.Errorf("payments repository required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Stock == nil:
		return nil, fmt.Errorf("stock committer required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher required")
	case deps.Signer == nil:
		return nil, fmt.Errorf("signer required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = noopLocker{}
	}
	return &Coordinator{
		orders:   deps.Orders,
		payments: deps.Payments,
		tx:       deps.Tx,
		stock:    deps.Stock,
		ledger:   deps.Ledger,
		outbox:   deps.Outbox,
		notifier: deps.Notifier,
		signer:   deps.Signer,
		locks:    locks,
		logg:     deps.Logger,
		metrics:  deps.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Confirm marks the order paid, commits its stock, books the ledger and
// queues the order_paid event, all in one transaction. Repeated or racing
// confirmations for the same order return Applied=false.
func (c *Coordinator) Confirm(ctx context.Context, in Confirmation) (*ConfirmResult, error) {
	source := string(in.Source)
	if !in.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown confirmation source")
	}
	if in.GatewayOrderID == "" || in.GatewayPaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway order and payment ids are required")
	}
	if c.logg != nil {
		ctx = c.logg.WithGatewayOrderID(ctx, in.GatewayOrderID)
	}

	order, err := c.loadOrder(ctx, in.GatewayOrderID, in.OrderID)
	if err != nil {
		c.metrics.IncConfirmation(source, metrics.OutcomeError)
		return nil, err
	}
	if c.logg != nil {
		ctx = c.logg.WithOrderID(ctx, order.ID.String())
	}
	if in.Actor != nil && !in.Actor.CanAccess(order) {
		c.metrics.IncConfirmation(source, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}

	if !in.PreVerified && !c.signer.VerifyPayment(in.GatewayOrderID, in.GatewayPaymentID, in.Signature) {
		c.metrics.IncConfirmation(source, metrics.OutcomeRejected)
		c.warn(ctx, "payment signature mismatch", nil)
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "payment verification failed")
	}

	if done := c.alreadyConfirmed(ctx, order, in.GatewayPaymentID); done {
		c.metrics.IncConfirmation(source, metrics.OutcomeDuplicate)
		return &ConfirmResult{OrderID: order.ID, AppliedBy: c.appliedBy(ctx, order.ID)}, nil
	}
	if in.AmountMinor > 0 {
		if captured := pricing.FromMinorUnits(in.AmountMinor); !captured.Equal(order.TotalAmount) {
			c.warn(ctx, "captured amount differs from order total", map[string]any{
				"captured": captured.StringFixed(2),
				"total":    order.TotalAmount.StringFixed(2),
			})
		}
	}

	release := c.locks.Lock(ctx, lockScopeOrderPayment, order.ID)
	defer release()

	confirmedAt := c.now()
	err = c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return c.apply(ctx, tx, order, in, confirmedAt)
	})
	if errors.Is(err, errAlreadyConfirmed) {
		appliedBy := c.appliedBy(ctx, order.ID)
		c.metrics.IncConfirmation(source, metrics.OutcomeDuplicate)
		c.info(ctx, "payment confirmation already applied", map[string]any{"source": source, "applied_by": string(appliedBy)})
		return &ConfirmResult{OrderID: order.ID, AppliedBy: appliedBy}, nil
	}
	if err != nil {
		c.metrics.IncConfirmation(source, metrics.OutcomeError)
		if pkgerrors.Is(err, pkgerrors.CodeConflict) {
			c.logError(ctx, "captured payment for an order that can no longer be confirmed", err)
		}
		return nil, err
	}

	c.metrics.IncConfirmation(source, metrics.OutcomeApplied)
	c.info(ctx, "payment confirmed", map[string]any{
		"source":             source,
		"gateway_payment_id": in.GatewayPaymentID,
	})

	order.Status = enums.OrderStatusConfirmed
	order.PaymentStatus = enums.PaymentStatusCompleted
	order.GatewayPaymentID = &in.GatewayPaymentID
	order.ConfirmedAt = &confirmedAt
	c.notify(ctx, order)
	return &ConfirmResult{OrderID: order.ID, Applied: true, AppliedBy: in.Source}, nil
}

func (c *Coordinator) apply(ctx context.Context, tx *gorm.DB, order *models.Order, in Confirmation, confirmedAt time.Time) error {
	payments := c.payments.WithTx(tx)
	err := payments.InsertConfirmation(ctx, &models.PaymentConfirmation{
		OrderID:          order.ID,
		GatewayPaymentID: in.GatewayPaymentID,
		Source:           in.Source,
		AppliedAt:        confirmedAt,
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return errAlreadyConfirmed
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert confirmation marker")
	}

	ordersRepo := c.orders.WithTx(tx)
	guard := orders.Moving(enums.OrderStatusConfirmed, enums.OrderStatusPending).
		PaymentMoving(enums.PaymentStatusCompleted)
	ok, err := ordersRepo.Transition(ctx, order.ID, guard, map[string]any{
		"status":                 enums.OrderStatusConfirmed,
		"payment_status":         enums.PaymentStatusCompleted,
		"gateway_payment_id":     in.GatewayPaymentID,
		"confirmed_at":           confirmedAt,
		"reservation_expires_at": nil,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "confirm order")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "order is no longer awaiting payment").
			WithDetails(map[string]any{"orderId": order.ID, "status": order.Status})
	}

	if err := payments.MarkCompleted(ctx, order.ID, in.GatewayPaymentID, in.Signature, in.Raw, confirmedAt); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete payment")
	}
	for _, item := range order.Items {
		if err := c.stock.Commit(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	if err := ordersRepo.UpdateItemsStatus(ctx, order.ID, enums.OrderStatusConfirmed); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "confirm order items")
	}
	if err := c.ledger.RecordSale(ctx, tx, order, order.BuyerUserID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record sale")
	}

	return c.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         orders.SystemActor().Ref(),
		Data: payloads.OrderPaidEvent{
			OrderID:          order.ID,
			OrderNumber:      order.OrderNumber,
			GatewayOrderID:   in.GatewayOrderID,
			GatewayPaymentID: in.GatewayPaymentID,
			Source:           in.Source,
			TotalAmount:      order.TotalAmount,
			Currency:         order.Currency,
			ConfirmedAt:      confirmedAt,
		},
		OccurredAt: confirmedAt,
	})
}

// Fail records a failed gateway attempt. Only a pending payment moves to
// failed; the order stays pending so the buyer can try again.
func (c *Coordinator) Fail(ctx context.Context, in Failure) (*ConfirmResult, error) {
	if in.GatewayOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway order id is required")
	}
	if c.logg != nil {
		ctx = c.logg.WithGatewayOrderID(ctx, in.GatewayOrderID)
	}
	order, err := c.loadOrder(ctx, in.GatewayOrderID, in.OrderID)
	if err != nil {
		return nil, err
	}

	applied := false
	err = c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := c.payments.WithTx(tx).MarkFailedIfPending(ctx, order.ID, in.GatewayPaymentID, in.Reason)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail payment")
		}
		if !ok {
			return nil
		}
		guard := orders.StatusGuard{Statuses: []enums.OrderStatus{enums.OrderStatusPending}}.
			PaymentMoving(enums.PaymentStatusFailed, enums.PaymentStatusPending)
		_, err = c.orders.WithTx(tx).Transition(ctx, order.ID, guard, map[string]any{"payment_status": enums.PaymentStatusFailed})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail order payment")
		}
		applied = true
		return c.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   order.ID,
			Actor:         orders.SystemActor().Ref(),
			Data: payloads.PaymentFailedEvent{
				OrderID:          order.ID,
				GatewayOrderID:   in.GatewayOrderID,
				GatewayPaymentID: in.GatewayPaymentID,
				Reason:           in.Reason,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if applied {
		c.info(ctx, "payment failed", map[string]any{"reason": in.Reason})
	}
	return &ConfirmResult{OrderID: order.ID, Applied: applied}, nil
}

// loadOrder finds the order a gateway order id belongs to. A payment-link
// capture reports an order id the gateway minted itself; it falls back to the
// order reference from the payment notes, for payment-link orders only.
func (c *Coordinator) loadOrder(ctx context.Context, gatewayOrderID string, orderID uuid.UUID) (*models.Order, error) {
	order, err := c.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if orderID != uuid.Nil {
		byID, ferr := c.orders.FindByID(ctx, orderID)
		if ferr == nil && byID.Payment != nil && byID.Payment.Method == enums.PaymentMethodPaymentLink {
			c.info(ctx, "resolved payment-link capture by order reference", map[string]any{"order_id": orderID.String()})
			return byID, nil
		}
		if ferr != nil && !errors.Is(ferr, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, ferr, "load order")
		}
	}
	c.logError(ctx, "no order for gateway reference", err)
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

// appliedBy reads which path's confirmation was recorded for the order.
func (c *Coordinator) appliedBy(ctx context.Context, orderID uuid.UUID) enums.ConfirmationSource {
	marker, err := c.payments.FindConfirmation(ctx, orderID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.warn(ctx, "load confirmation marker failed", map[string]any{"error": err.Error()})
		}
		return ""
	}
	return marker.Source
}

func (c *Coordinator) alreadyConfirmed(ctx context.Context, order *models.Order, gatewayPaymentID string) bool {
	if order.GatewayPaymentID != nil && *order.GatewayPaymentID == gatewayPaymentID &&
		order.PaymentStatus != enums.PaymentStatusFailed {
		return true
	}
	switch order.PaymentStatus {
	case enums.PaymentStatusCompleted, enums.PaymentStatusRefunded:
		if order.GatewayPaymentID != nil && *order.GatewayPaymentID != gatewayPaymentID {
			c.warn(ctx, "second captured payment reported for a paid order", map[string]any{
				"gateway_payment_id": gatewayPaymentID,
			})
		}
		return true
	}
	return false
}

func (c *Coordinator) notify(ctx context.Context, order *models.Order) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.OrderConfirmed(context.WithoutCancel(ctx), order); err != nil {
		c.warn(ctx, "order confirmation notification failed", map[string]any{"error": err.Error()})
	}
}

func (c *Coordinator) info(ctx context.Context, msg string, fields map[string]any) {
	if c.logg == nil {
		return
	}
	c.logg.Info(c.logg.WithFields(ctx, fields), msg)
}

func (c *Coordinator) warn(ctx context.Context, msg string, fields map[string]any) {
	if c.logg == nil {
		return
	}
	c.logg.Warn(c.logg.WithFields(ctx, fields), msg)
}

func (c *Coordinator) logError(ctx context.Context, msg string, err error) {
	if c.logg == nil {
		return
	}
	c.logg.Error(ctx, msg, err)
}
