package orders

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository defines persistence operations for orders and the catalog rows
// an order is built from.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	ListByBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	FindAddress(ctx context.Context, id uuid.UUID) (*models.Address, error)
	FindProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
	// Transition applies updates only while the order still satisfies guard.
	// It reports whether the row matched.
	Transition(ctx context.Context, orderID uuid.UUID, guard StatusGuard, updates map[string]any) (bool, error)
	UpdateItemsStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus) error
}

// StatusGuard is the compare half of a compare-and-set order update. Empty
// slices are not checked. Status changes build their guard with Moving and
// PaymentMoving so the accepted statuses come from the transition tables.
type StatusGuard struct {
	Statuses        []enums.OrderStatus
	PaymentStatuses []enums.PaymentStatus
	// ExpiredBefore requires reservation_expires_at to be set and earlier.
	ExpiredBefore *time.Time

	never bool
}

// Moving guards a change of the order status to next. from narrows the
// accepted current statuses; any that cannot reach next are dropped, and a
// guard left with none never matches.
func Moving(next enums.OrderStatus, from ...enums.OrderStatus) StatusGuard {
	g := StatusGuard{Statuses: narrow(enums.OrderStatusesLeadingTo(next), from)}
	g.never = len(g.Statuses) == 0
	return g
}

// PaymentMoving adds a change of the payment status to next, narrowed like Moving.
func (g StatusGuard) PaymentMoving(next enums.PaymentStatus, from ...enums.PaymentStatus) StatusGuard {
	g.PaymentStatuses = narrow(enums.PaymentStatusesLeadingTo(next), from)
	if len(g.PaymentStatuses) == 0 {
		g.never = true
	}
	return g
}

// ExpiringBefore adds a lapsed-reservation check at cutoff.
func (g StatusGuard) ExpiringBefore(cutoff time.Time) StatusGuard {
	g.ExpiredBefore = &cutoff
	return g
}

// Impossible reports whether no order can satisfy the guard.
func (g StatusGuard) Impossible() bool {
	return g.never
}

func narrow[T comparable](allowed, from []T) []T {
	if len(from) == 0 {
		return allowed
	}
	out := make([]T, 0, len(from))
	for _, status := range from {
		if slices.Contains(allowed, status) {
			out = append(out, status)
		}
	}
	return out
}
