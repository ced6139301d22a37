package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// Repository persists gateway payment records, confirmation markers and refunds.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	Update(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error
	InsertConfirmation(ctx context.Context, marker *models.PaymentConfirmation) error
	FindConfirmation(ctx context.Context, orderID uuid.UUID) (*models.PaymentConfirmation, error)
	MarkCompleted(ctx context.Context, orderID uuid.UUID, gatewayPaymentID, signature string, raw json.RawMessage, at time.Time) error
	// MarkFailedIfPending moves a pending payment to failed and reports whether it did.
	MarkFailedIfPending(ctx context.Context, orderID uuid.UUID, gatewayPaymentID, reason string) (bool, error)
	// MarkRefunded moves a completed payment to refunded and reports whether it did.
	MarkRefunded(ctx context.Context, orderID uuid.UUID) (bool, error)
	// ClaimRefund inserts a pending refund. A second claim for the same order
	// fails with a unique violation.
	ClaimRefund(ctx context.Context, refund *models.Refund) error
	FindRefund(ctx context.Context, orderID uuid.UUID) (*models.Refund, error)
	// TakeOverRefund re-stamps a pending claim last stamped before staleBefore
	// and reports whether it did.
	TakeOverRefund(ctx context.Context, refundID uuid.UUID, staleBefore, now time.Time) (bool, error)
	// ReleaseRefund drops a pending claim after the gateway refused it.
	ReleaseRefund(ctx context.Context, refundID uuid.UUID) error
	// CompleteRefund marks a pending claim processed and reports whether it did.
	CompleteRefund(ctx context.Context, refundID uuid.UUID, gatewayRefundID string, raw json.RawMessage, at time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) Update(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Updates(updates).Error
}

func (r *repository) InsertConfirmation(ctx context.Context, marker *models.PaymentConfirmation) error {
	return r.db.WithContext(ctx).Create(marker).Error
}

func (r *repository) FindConfirmation(ctx context.Context, orderID uuid.UUID) (*models.PaymentConfirmation, error) {
	var marker models.PaymentConfirmation
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&marker).Error; err != nil {
		return nil, err
	}
	return &marker, nil
}

func (r *repository) MarkCompleted(ctx context.Context, orderID uuid.UUID, gatewayPaymentID, signature string, raw json.RawMessage, at time.Time) error {
	updates := map[string]any{
		"status":             enums.PaymentStatusCompleted,
		"gateway_payment_id": gatewayPaymentID,
		"failure_reason":     nil,
		"paid_at":            at,
	}
	if signature != "" {
		updates["signature"] = signature
	}
	if len(raw) > 0 {
		updates["raw_response"] = raw
	}
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("order_id = ?", orderID).
		Updates(updates).Error
}

func (r *repository) MarkFailedIfPending(ctx context.Context, orderID uuid.UUID, gatewayPaymentID, reason string) (bool, error) {
	updates := map[string]any{
		"status":         enums.PaymentStatusFailed,
		"failure_reason": reason,
	}
	if gatewayPaymentID != "" {
		updates["gateway_payment_id"] = gatewayPaymentID
	}
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkRefunded(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentStatusCompleted).
		Update("status", enums.PaymentStatusRefunded)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ClaimRefund(ctx context.Context, refund *models.Refund) error {
	refund.Status = enums.RefundStatusPending
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *repository) FindRefund(ctx context.Context, orderID uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&refund).Error; err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repository) TakeOverRefund(ctx context.Context, refundID uuid.UUID, staleBefore, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ? AND status = ? AND claimed_at < ?", refundID, enums.RefundStatusPending, staleBefore).
		Update("claimed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ReleaseRefund(ctx context.Context, refundID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND status = ?", refundID, enums.RefundStatusPending).
		Delete(&models.Refund{}).Error
}

func (r *repository) CompleteRefund(ctx context.Context, refundID uuid.UUID, gatewayRefundID string, raw json.RawMessage, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":            enums.RefundStatusProcessed,
		"gateway_refund_id": gatewayRefundID,
		"processed_at":      at,
	}
	if len(raw) > 0 {
		updates["raw_response"] = raw
	}
	res := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ? AND status = ?", refundID, enums.RefundStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
