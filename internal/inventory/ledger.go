package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

// Ledger moves product quantities between sellable, reserved and sold.
// Every mutation is a single guarded or clamped statement so concurrent
// writers never drive a count below zero.
type Ledger struct {
	db      *gorm.DB
	logg    *logger.Logger
	metrics *metrics.PaymentMetrics
}

// NewLedger binds the ledger to conn. logg and m may be nil.
func NewLedger(conn *gorm.DB, logg *logger.Logger, m *metrics.PaymentMetrics) (*Ledger, error) {
	if conn == nil {
		return nil, errors.New("inventory db required")
	}
	return &Ledger{db: conn, logg: logg, metrics: m}, nil
}

// Line is one product quantity moved by a bulk operation.
type Line struct {
	ProductID uuid.UUID
	Qty       int
}

// StockDetails is attached to INSUFFICIENT_STOCK errors.
type StockDetails struct {
	ProductID uuid.UUID `json:"productId"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

// Reserve holds qty units of productID for a pending order. It fails with
// INSUFFICIENT_STOCK when fewer than qty units are sellable.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	res := l.conn(ctx, tx).
		Model(&models.InventoryItem{}).
		Where("product_id = ? AND stock_qty - reserved_qty >= ?", productID, qty).
		Updates(map[string]any{
			"reserved_qty": gorm.Expr("reserved_qty + ?", qty),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "reserve inventory")
	}
	if res.RowsAffected == 1 {
		l.metrics.IncReservation(metrics.OutcomeApplied)
		return nil
	}

	l.metrics.IncReservation(metrics.OutcomeRejected)
	available, err := l.available(l.conn(ctx, tx), productID)
	if err != nil {
		return err
	}
	return insufficientStock(productID, qty, available)
}

// ReserveAll reserves every line in product id order. Callers pass lines
// already sorted so two orders over the same products lock rows in the same
// sequence.
func (l *Ledger) ReserveAll(ctx context.Context, tx *gorm.DB, lines []Line) error {
	for _, line := range lines {
		if err := l.Reserve(ctx, tx, line.ProductID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

// Commit turns a reservation into a sale: stock and reservation both drop by
// qty, clamped at zero. A shortfall is logged, never returned, because the
// payment has already been captured.
func (l *Ledger) Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	conn := l.conn(ctx, tx)

	var current models.InventoryItem
	if err := conn.Where("product_id = ?", productID).Take(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.warn(ctx, productID, qty, 0, "inventory row missing at commit")
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory")
	}
	if current.StockQty < qty {
		l.warn(ctx, productID, qty, current.StockQty, "stock below committed quantity; clamping at zero")
	}

	err := conn.Model(&models.InventoryItem{}).
		Where("product_id = ?", productID).
		Updates(map[string]any{
			"stock_qty":    gorm.Expr("CASE WHEN stock_qty >= ? THEN stock_qty - ? ELSE 0 END", qty, qty),
			"reserved_qty": gorm.Expr("CASE WHEN reserved_qty >= ? THEN reserved_qty - ? ELSE 0 END", qty, qty),
		}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "commit inventory")
	}
	return nil
}

// Release drops a reservation without touching stock.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	err := l.conn(ctx, tx).
		Model(&models.InventoryItem{}).
		Where("product_id = ?", productID).
		Updates(map[string]any{
			"reserved_qty": gorm.Expr("CASE WHEN reserved_qty >= ? THEN reserved_qty - ? ELSE 0 END", qty, qty),
		}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release inventory")
	}
	return nil
}

// Restore returns sold units to stock after a refund or a paid cancellation.
func (l *Ledger) Restore(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	res := l.conn(ctx, tx).
		Model(&models.InventoryItem{}).
		Where("product_id = ?", productID).
		Updates(map[string]any{
			"stock_qty": gorm.Expr("stock_qty + ?", qty),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "restore inventory")
	}
	if res.RowsAffected == 0 {
		l.warn(ctx, productID, qty, 0, "inventory row missing at restore")
	}
	return nil
}

// Available returns how many units can still be reserved.
func (l *Ledger) Available(ctx context.Context, productID uuid.UUID) (int, error) {
	return l.available(l.db.WithContext(ctx), productID)
}

func (l *Ledger) available(conn *gorm.DB, productID uuid.UUID) (int, error) {
	var item models.InventoryItem
	if err := conn.Where("product_id = ?", productID).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory")
	}
	return item.Available(), nil
}

func (l *Ledger) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return l.db.WithContext(ctx)
}

func (l *Ledger) warn(ctx context.Context, productID uuid.UUID, qty, stock int, msg string) {
	if l.logg == nil {
		return
	}
	ctx = l.logg.WithFields(ctx, map[string]any{
		"product_id": productID.String(),
		"qty":        qty,
		"stock_qty":  stock,
	})
	l.logg.Warn(ctx, msg)
}

func validateQty(qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	return nil
}

func insufficientStock(productID uuid.UUID, requested, available int) error {
	msg := "out of stock"
	if available > 0 {
		msg = fmt.Sprintf("only %d available", available)
	}
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, msg).WithDetails(StockDetails{
		ProductID: productID,
		Requested: requested,
		Available: available,
	})
}
