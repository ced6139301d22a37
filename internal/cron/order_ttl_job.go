package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const defaultExpiryBatch = 100

// OrderTTLJobParams configure the reservation expiry job.
type OrderTTLJobParams struct {
	Logger    *logger.Logger
	Orders    expiredOrderReader
	Expirer   orderExpirer
	BatchSize int
}

type expiredOrderReader interface {
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type orderExpirer interface {
	Expire(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// NewOrderTTLJob builds the job that cancels pending orders whose stock
// reservation has lapsed.
func NewOrderTTLJob(params OrderTTLJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders reader required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("order expirer required")
	}
	batch := params.BatchSize
	if batch <= 0 || batch > defaultExpiryBatch {
		batch = defaultExpiryBatch
	}
	return &orderTTLJob{
		logg:    params.Logger,
		orders:  params.Orders,
		expirer: params.Expirer,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type orderTTLJob struct {
	logg    *logger.Logger
	orders  expiredOrderReader
	expirer orderExpirer
	batch   int
	now     func() time.Time
}

func (j *orderTTLJob) Name() string { return "order-ttl" }

// Run expires one batch per cycle; a backlog drains over later cycles.
func (j *orderTTLJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC()
	pending, err := j.orders.FindExpiredPending(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query expired reservations: %w", err)
	}

	var errs error
	expired, skipped := 0, 0
	for _, order := range pending {
		ok, err := j.expirer.Expire(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		if ok {
			expired++
		} else {
			skipped++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(pending),
		"expired":    expired,
		"skipped":    skipped,
		"failed":     len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "order expiry loop complete")
	return errs
}
