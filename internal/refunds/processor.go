package refunds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
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

const (
	lockScopeOrderRefund = "order_refund"

	// ReasonReservationExpired is recorded on orders cancelled by the expiry job.
	ReasonReservationExpired = "reservation_expired"

	kindRefund = "refund"
	kindCancel = "cancel"
	kindExpire = "expire"

	// a pending claim older than this is taken over; it must outlast the
	// gateway call timeout
	defaultClaimTTL = 5 * time.Minute
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockMover returns held or sold units to the catalog.
type StockMover interface {
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Restore(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

// ReversalRecorder books the ledger reversal of a refunded order.
type ReversalRecorder interface {
	RecordReversal(ctx context.Context, tx *gorm.DB, order *models.Order, refundID uuid.UUID, refunded decimal.Decimal, actorUserID *uuid.UUID) error
}

// RefundInput asks for a refund of a paid order. A nil Amount refunds the total.
type RefundInput struct {
	OrderID uuid.UUID
	Amount  *decimal.Decimal
	Reason  string
	Actor   orders.Actor
}

// RefundResult identifies the recorded refund.
type RefundResult struct {
	OrderID  uuid.UUID       `json:"orderId"`
	RefundID uuid.UUID       `json:"refundId"`
	Amount   decimal.Decimal `json:"amount"`
}

// CancelInput asks to cancel an order.
type CancelInput struct {
	OrderID uuid.UUID
	Actor   orders.Actor
	Reason  string
}

// Deps lists the collaborators of a Processor. Locks, Logger, Metrics and
// ClaimTTL are optional.
type Deps struct {
	Orders   orders.Repository
	Payments payments.Repository
	Tx       txRunner
	Gateway  payments.Gateway
	Stock    StockMover
	Ledger   ReversalRecorder
	Outbox   outboxPublisher
	Locks    payments.OrderLocker
	Logger   *logger.Logger
	Metrics  *metrics.PaymentMetrics
	ClaimTTL time.Duration
}

// Processor reverses orders: refunds of paid orders, cancellation of pending
// or paid orders, and expiry of unpaid reservations.
type Processor struct {
	orders   orders.Repository
	payments payments.Repository
	tx       txRunner
	gateway  payments.Gateway
	stock    StockMover
	ledger   ReversalRecorder
	outbox   outboxPublisher
	locks    payments.OrderLocker
	logg     *logger.Logger
	metrics  *metrics.PaymentMetrics
	claimTTL time.Duration
	now      func() time.Time
}

// NewProcessor validates deps and builds a Processor.
func NewProcessor(deps Deps) (*Processor, error) {
	switch {
	case deps.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case deps.Payments == nil:
		return nil, fmt.Errorf("payments repository required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("gateway required")
	case deps.Stock == nil:
		return nil, fmt.Errorf("stock mover required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = nopLocker{}
	}
	claimTTL := deps.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &Processor{
		orders:   deps.Orders,
		payments: deps.Payments,
		tx:       deps.Tx,
		gateway:  deps.Gateway,
		stock:    deps.Stock,
		ledger:   deps.Ledger,
		outbox:   deps.Outbox,
		locks:    locks,
		logg:     deps.Logger,
		metrics:  deps.Metrics,
		claimTTL: claimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Refund issues a gateway refund for a confirmed order and reverses it. Any
// accepted amount, full or partial, moves the whole order to refunded and
// returns every line to stock; the ledger is reversed by the refunded share.
// An order is refunded at most once, whatever the lock does.
func (p *Processor) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	if !in.Actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only admins can issue refunds")
	}
	order, err := p.load(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if err := requirePaid(order); err != nil {
		return nil, err
	}

	amount := order.TotalAmount
	if in.Amount != nil {
		amount = pricing.Round2(*in.Amount)
	}
	if !amount.IsPositive() || amount.GreaterThan(order.TotalAmount) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be greater than 0 and at most the order total").
			WithDetails(map[string]any{"total": order.TotalAmount})
	}

	release := p.locks.Lock(ctx, lockScopeOrderRefund, order.ID)
	defer release()

	// state may have moved while waiting for the lock
	order, err = p.load(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if err := requirePaid(order); err != nil {
		return nil, err
	}

	refund, err := p.reverse(ctx, order, amount, in.Reason, in.Actor, enums.OrderStatusRefunded, kindRefund)
	if err != nil {
		return nil, err
	}
	return &RefundResult{OrderID: order.ID, RefundID: refund.ID, Amount: refund.Amount}, nil
}

// Cancel cancels a pending order by releasing its reservation, or a confirmed
// order by refunding it in full. Other states cannot be cancelled.
func (p *Processor) Cancel(ctx context.Context, in CancelInput) (*models.Order, error) {
	order, err := p.load(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !in.Actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}

	release := p.locks.Lock(ctx, lockScopeOrderRefund, order.ID)
	defer release()
	order, err = p.load(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(enums.OrderStatusCancelled) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order in status %s cannot be cancelled", order.Status)).
			WithDetails(map[string]any{"status": order.Status})
	}

	reason := strings.TrimSpace(in.Reason)
	if order.Status == enums.OrderStatusPending {
		err = p.cancelPending(ctx, order, enums.OrderStatusCancelled, reason, in.Actor, enums.EventOrderCancelled, kindCancel, nil)
	} else {
		if order.PaymentStatus != enums.PaymentStatusCompleted {
			return nil, pkgerrors.New(pkgerrors.CodePaymentNotCompleted, "payment has not completed")
		}
		_, err = p.reverse(ctx, order, order.TotalAmount, reason, in.Actor, enums.OrderStatusCancelled, kindCancel)
	}
	if err != nil {
		return nil, err
	}
	return p.load(ctx, order.ID)
}

// Expire closes a pending order whose reservation lapsed. An order whose last
// payment attempt failed ends as failed, any other as cancelled. Orders that
// were paid, cancelled or given a fresh reservation in the meantime are left
// alone; expired reports whether this call changed the order.
func (p *Processor) Expire(ctx context.Context, orderID uuid.UUID) (expired bool, err error) {
	order, err := p.load(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !lapsed(order, p.now()) {
		return false, nil
	}

	release := p.locks.Lock(ctx, lockScopeOrderRefund, order.ID)
	defer release()

	// a new intent may have pushed the expiry out while waiting for the lock
	order, err = p.load(ctx, orderID)
	if err != nil {
		return false, err
	}
	now := p.now()
	if !lapsed(order, now) {
		return false, nil
	}

	final := enums.OrderStatusCancelled
	if order.PaymentStatus == enums.PaymentStatusFailed {
		final = enums.OrderStatusFailed
	}
	err = p.cancelPending(ctx, order, final, ReasonReservationExpired, orders.SystemActor(), enums.EventOrderExpired, kindExpire, &now)
	if pkgerrors.Is(err, pkgerrors.CodeStateConflict) {
		return false, nil
	}
	return err == nil, err
}

// cancelPending moves a pending order to final and releases its reservation.
// With expiredBy set the reservation must also have lapsed by then.
func (p *Processor) cancelPending(ctx context.Context, order *models.Order, final enums.OrderStatus, reason string, actor orders.Actor, event enums.OutboxEventType, kind string, expiredBy *time.Time) error {
	now := p.now()
	guard := orders.Moving(final, enums.OrderStatusPending)
	if expiredBy != nil {
		guard = guard.ExpiringBefore(*expiredBy)
	}
	err := p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := p.orders.WithTx(tx)
		updates := map[string]any{
			"status":                 final,
			"reservation_expires_at": nil,
		}
		if final == enums.OrderStatusCancelled {
			updates["cancelled_at"] = now
		}
		if reason != "" {
			updates["cancel_reason"] = reason
		}
		ok, err := ordersRepo.Transition(ctx, order.ID, guard, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel order")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer pending")
		}

		if _, err := p.payments.WithTx(tx).MarkFailedIfPending(ctx, order.ID, "", "order cancelled"); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail open payment")
		}
		if _, err := ordersRepo.Transition(ctx, order.ID,
			orders.StatusGuard{}.PaymentMoving(enums.PaymentStatusFailed, enums.PaymentStatusPending),
			map[string]any{"payment_status": enums.PaymentStatusFailed}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail order payment")
		}

		for _, item := range order.Items {
			if err := p.stock.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		if err := ordersRepo.UpdateItemsStatus(ctx, order.ID, final); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel order items")
		}

		return p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     event,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor.Ref(),
			Data: payloads.OrderCancelledEvent{
				OrderID:      order.ID,
				OrderNumber:  order.OrderNumber,
				FromStatus:   enums.OrderStatusPending,
				ToStatus:     final,
				Reason:       reason,
				CancelledAt:  now,
				StockRestore: movements(order),
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		p.metrics.IncRefund(kind, metrics.OutcomeError)
		return err
	}
	p.metrics.IncRefund(kind, metrics.OutcomeApplied)
	p.info(ctx, order, "order cancelled", map[string]any{"reason": reason, "kind": kind, "final_status": string(final)})
	return nil
}

// reverse claims the order's refund, gets it issued at the gateway and then,
// in one transaction, moves the order to final, restores stock and books the
// reversal. A refused refund releases the claim and writes nothing else.
func (p *Processor) reverse(ctx context.Context, order *models.Order, amount decimal.Decimal, reason string, actor orders.Actor, final enums.OrderStatus, kind string) (*models.Refund, error) {
	payment := order.Payment
	if payment == nil || payment.GatewayPaymentID == nil {
		return nil, pkgerrors.New(pkgerrors.CodePaymentNotCompleted, "no captured payment to refund")
	}

	refund, resumed, err := p.claim(ctx, order, payment, amount, reason, actor)
	if err != nil {
		p.metrics.IncRefund(kind, metrics.OutcomeRejected)
		return nil, err
	}
	// a resumed claim completes the request it was taken for
	amount = refund.Amount

	result, err := p.issue(ctx, order, refund, *payment.GatewayPaymentID, reason, resumed)
	if err != nil {
		p.metrics.IncRefund(kind, metrics.OutcomeError)
		return nil, err
	}

	now := p.now()
	err = p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := p.orders.WithTx(tx)
		updates := map[string]any{
			"status":         final,
			"payment_status": enums.PaymentStatusRefunded,
			"refunded_at":    now,
		}
		if final == enums.OrderStatusCancelled {
			updates["cancelled_at"] = now
			if reason != "" {
				updates["cancel_reason"] = reason
			}
		}
		guard := orders.Moving(final, enums.OrderStatusConfirmed).
			PaymentMoving(enums.PaymentStatusRefunded, enums.PaymentStatusCompleted)
		ok, err := ordersRepo.Transition(ctx, order.ID, guard, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "refund order")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed while the refund was issued")
		}

		paymentsRepo := p.payments.WithTx(tx)
		done, err := paymentsRepo.CompleteRefund(ctx, refund.ID, result.GatewayRefundID, result.Raw, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record refund")
		}
		if !done {
			return pkgerrors.New(pkgerrors.CodeConflict, "refund claim is no longer pending")
		}
		if _, err := paymentsRepo.MarkRefunded(ctx, order.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "refund payment")
		}
		for _, item := range order.Items {
			if err := p.stock.Restore(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		if err := ordersRepo.UpdateItemsStatus(ctx, order.ID, final); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order items")
		}
		var actorID *uuid.UUID
		if actor.UserID != uuid.Nil {
			actorID = &actor.UserID
		}
		if err := p.ledger.RecordReversal(ctx, tx, order, refund.ID, amount, actorID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record ledger reversal")
		}

		if err := p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderRefunded,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor.Ref(),
			Data: payloads.OrderRefundedEvent{
				OrderID:         order.ID,
				OrderNumber:     order.OrderNumber,
				RefundID:        refund.ID,
				GatewayRefundID: result.GatewayRefundID,
				Amount:          amount,
				Reason:          reason,
				RefundedAt:      now,
				StockRestore:    movements(order),
			},
			OccurredAt: now,
		}); err != nil {
			return err
		}
		if final != enums.OrderStatusCancelled {
			return nil
		}
		return p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor.Ref(),
			Data: payloads.OrderCancelledEvent{
				OrderID:      order.ID,
				OrderNumber:  order.OrderNumber,
				FromStatus:   enums.OrderStatusConfirmed,
				ToStatus:     enums.OrderStatusCancelled,
				Reason:       reason,
				RefundID:     &refund.ID,
				CancelledAt:  now,
				StockRestore: movements(order),
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		p.metrics.IncRefund(kind, metrics.OutcomeError)
		if p.logg != nil {
			logCtx := p.logg.WithOrderID(ctx, order.ID.String())
			logCtx = p.logg.WithField(logCtx, "gateway_refund_id", result.GatewayRefundID)
			p.logg.Error(logCtx, "gateway refund issued but order was not reversed", err)
		}
		return nil, err
	}
	refund.Status = enums.RefundStatusProcessed
	refund.GatewayRefundID = &result.GatewayRefundID
	refund.RawResponse = result.Raw
	refund.ProcessedAt = &now

	p.metrics.IncRefund(kind, metrics.OutcomeApplied)
	p.info(ctx, order, "order refunded", map[string]any{
		"amount":            amount.StringFixed(2),
		"gateway_refund_id": result.GatewayRefundID,
		"final_status":      string(final),
	})
	return refund, nil
}

// claim inserts the order's pending refund row. A second caller gets
// CONFLICT while the claim is fresh; a claim older than claimTTL was left by a
// caller that never finished and is taken over, reported as resumed.
func (p *Processor) claim(ctx context.Context, order *models.Order, payment *models.Payment, amount decimal.Decimal, reason string, actor orders.Actor) (*models.Refund, bool, error) {
	now := p.now()
	refund := &models.Refund{
		OrderID:   order.ID,
		PaymentID: payment.ID,
		Amount:    amount,
		ClaimedAt: now,
	}
	if reason != "" {
		refund.Reason = &reason
	}
	if actor.UserID != uuid.Nil {
		requestedBy := actor.UserID
		refund.RequestedBy = &requestedBy
	}
	err := p.payments.ClaimRefund(ctx, refund)
	if err == nil {
		return refund, false, nil
	}
	if !db.IsUniqueViolation(err, "") {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim refund")
	}

	existing, err := p.payments.FindRefund(ctx, order.ID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load refund claim")
	}
	if existing.Status != enums.RefundStatusPending {
		return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "order has already been refunded")
	}
	ok, err := p.payments.TakeOverRefund(ctx, existing.ID, now.Add(-p.claimTTL), now)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "take over refund claim")
	}
	if !ok {
		return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "a refund for this order is already in progress")
	}
	existing.ClaimedAt = now
	if p.logg != nil {
		logCtx := p.logg.WithOrderID(ctx, order.ID.String())
		p.logg.Warn(p.logg.WithField(logCtx, "refund_id", existing.ID.String()), "resuming stale refund claim")
	}
	return existing, true, nil
}

// issue gets the gateway refund for a claim. The claim id travels as the
// receipt, so a resumed claim or a call that went unanswered is first looked
// up by it. A refusal releases the claim. While the outcome stays unknown the
// claim is kept and the caller gets DEPENDENCY_ERROR.
func (p *Processor) issue(ctx context.Context, order *models.Order, refund *models.Refund, gatewayPaymentID, reason string, resumed bool) (payments.RefundResult, error) {
	if resumed {
		found, err := p.gateway.FindRefund(ctx, gatewayPaymentID, refund.Receipt())
		if err != nil {
			return payments.RefundResult{}, p.undecided(ctx, order, err)
		}
		if found != nil {
			return *found, nil
		}
	}

	result, err := p.gateway.Refund(ctx, payments.RefundRequest{
		GatewayPaymentID: gatewayPaymentID,
		AmountMinor:      pricing.ToMinorUnits(refund.Amount),
		OrderNumber:      order.OrderNumber,
		Receipt:          refund.Receipt(),
		Reason:           reason,
	})
	if err == nil {
		return result, nil
	}
	if !payments.OutcomeUnknown(err) {
		if rerr := p.payments.ReleaseRefund(ctx, refund.ID); rerr != nil && p.logg != nil {
			p.logg.Error(p.logg.WithOrderID(ctx, order.ID.String()), "release refund claim", rerr)
		}
		if p.logg != nil {
			p.logg.Error(p.logg.WithOrderID(ctx, order.ID.String()), "gateway refund failed", err)
		}
		return payments.RefundResult{}, pkgerrors.Wrap(pkgerrors.CodeRefundFailed, err, "refund could not be issued")
	}

	found, ferr := p.gateway.FindRefund(ctx, gatewayPaymentID, refund.Receipt())
	if ferr == nil && found != nil {
		return *found, nil
	}
	return payments.RefundResult{}, p.undecided(ctx, order, err)
}

func (p *Processor) undecided(ctx context.Context, order *models.Order, err error) error {
	if p.logg != nil {
		p.logg.Error(p.logg.WithOrderID(ctx, order.ID.String()), "refund outcome unknown; claim kept", err)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refund outcome is not known yet; retry later")
}

func (p *Processor) load(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orderId is required")
	}
	order, err := p.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return order, nil
}

func (p *Processor) info(ctx context.Context, order *models.Order, msg string, fields map[string]any) {
	if p.logg == nil {
		return
	}
	logCtx := p.logg.WithOrderID(ctx, order.ID.String())
	p.logg.Info(p.logg.WithFields(logCtx, fields), msg)
}

func requirePaid(order *models.Order) error {
	if order.Status != enums.OrderStatusConfirmed || order.PaymentStatus != enums.PaymentStatusCompleted {
		return pkgerrors.New(pkgerrors.CodePaymentNotCompleted, "payment has not completed").
			WithDetails(map[string]any{"status": order.Status, "paymentStatus": order.PaymentStatus})
	}
	return nil
}

func lapsed(order *models.Order, now time.Time) bool {
	return order.Status == enums.OrderStatusPending &&
		order.ReservationExpiresAt != nil &&
		order.ReservationExpiresAt.Before(now)
}

func movements(order *models.Order) []payloads.StockMovement {
	out := make([]payloads.StockMovement, 0, len(order.Items))
	for _, item := range order.Items {
		out = append(out, payloads.StockMovement{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string, uuid.UUID) func() { return func() {} }
