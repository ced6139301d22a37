package ledger

import (
	"context"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository manages persistence for ledger events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateBatch(ctx context.Context, events []models.LedgerEvent) error
	SumBySeller(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateBatch(ctx context.Context, events []models.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&events).Error
}

// SumBySeller totals every seller-side entry. Platform commission rows are
// excluded.
func (r *repository) SumBySeller(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	var events []models.LedgerEvent
	if err := r.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Find(&events).Error; err != nil {
		return decimal.Zero, err
	}
	return sellerBalance(events), nil
}
