package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/internal/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func TestMovingFollowsTransitionTables(t *testing.T) {
	g := Moving(enums.OrderStatusConfirmed).PaymentMoving(enums.PaymentStatusCompleted)
	assert.Equal(t, []enums.OrderStatus{enums.OrderStatusPending}, g.Statuses)
	assert.Equal(t, []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusFailed}, g.PaymentStatuses)
	assert.False(t, g.Impossible())

	g = Moving(enums.OrderStatusCancelled, enums.OrderStatusConfirmed, enums.OrderStatusRefunded)
	assert.Equal(t, []enums.OrderStatus{enums.OrderStatusConfirmed}, g.Statuses)

	assert.True(t, Moving(enums.OrderStatusRefunded, enums.OrderStatusPending).Impossible())
	assert.True(t, Moving(enums.OrderStatusConfirmed).PaymentMoving(enums.PaymentStatusRefunded, enums.PaymentStatusPending).Impossible())
}

func TestTransitionHonoursGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	addr := dbtest.SeedAddress(t, f.conn, buyer)
	product := dbtest.SeedProduct(t, f.conn, uuid.New(), "Kettle", "500.00", 5)
	order, err := f.svc.Create(ctx, CreateOrderInput{
		BuyerUserID: buyer,
		AddressID:   addr.ID,
		Items:       []LineInput{{ProductID: product.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	repo := NewRepository(f.conn)

	ok, err := repo.Transition(ctx, order.ID, Moving(enums.OrderStatusRefunded, enums.OrderStatusPending), map[string]any{"status": enums.OrderStatusRefunded})
	require.NoError(t, err)
	assert.False(t, ok, "impossible guard must not touch the row")

	// reservation still open, so an expiry guard at now does not match
	ok, err = repo.Transition(ctx, order.ID, Moving(enums.OrderStatusCancelled).ExpiringBefore(time.Now().UTC()), map[string]any{"status": enums.OrderStatusCancelled})
	require.NoError(t, err)
	assert.False(t, ok)

	later := order.ReservationExpiresAt.Add(time.Minute)
	ok, err = repo.Transition(ctx, order.ID, Moving(enums.OrderStatusCancelled).ExpiringBefore(later), map[string]any{"status": enums.OrderStatusCancelled})
	require.NoError(t, err)
	assert.True(t, ok)

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
}
