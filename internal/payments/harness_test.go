package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/dbtest"
	"github.com/angelmondragon/storefront-backend/internal/inventory"
	"github.com/angelmondragon/storefront-backend/internal/ledger"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
)

const (
	testKeySecret     = "rzp_test_secret"
	testWebhookSecret = "whsec_test"
)

type fakeGateway struct {
	mu        sync.Mutex
	intents   int
	links     int
	refunds   []RefundRequest
	intentErr error
	refundErr error
}

func (g *fakeGateway) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intentErr != nil {
		return Intent{}, g.intentErr
	}
	g.intents++
	return Intent{
		GatewayOrderID: fmt.Sprintf("order_test_%d", g.intents),
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Raw:            []byte(`{"status":"created"}`),
	}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return RefundResult{}, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return RefundResult{
		GatewayRefundID: fmt.Sprintf("rfnd_test_%d", len(g.refunds)),
		AmountMinor:     req.AmountMinor,
		Status:          "processed",
	}, nil
}

func (g *fakeGateway) FindRefund(_ context.Context, _ string, receipt string) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, req := range g.refunds {
		if req.Receipt == receipt {
			return &RefundResult{
				GatewayRefundID: fmt.Sprintf("rfnd_test_%d", i+1),
				AmountMinor:     req.AmountMinor,
				Status:          "processed",
			}, nil
		}
	}
	return nil, nil
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req LinkRequest) (PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links++
	id := fmt.Sprintf("plink_test_%d", g.links)
	return PaymentLink{ID: id, ShortURL: "https://rzp.io/i/" + id}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []uuid.UUID
}

func (n *recordingNotifier) OrderConfirmed(_ context.Context, order *models.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}

type harness struct {
	client      *db.Client
	conn        *gorm.DB
	orders      orders.Service
	orderRepo   orders.Repository
	payRepo     Repository
	gateway     *fakeGateway
	signer      *Signer
	service     Service
	coordinator *Coordinator
	notifier    *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.New(t)
	conn := client.DB()

	stock, err := inventory.NewLedger(conn, nil, nil)
	require.NoError(t, err)
	calc, err := pricing.NewCalculator(config.PricingConfig{
		Currency:              "INR",
		CommissionRate:        decimal.RequireFromString("0.05"),
		TaxRate:               decimal.RequireFromString("0.18"),
		ShippingCharge:        decimal.RequireFromString("50"),
		FreeShippingThreshold: decimal.RequireFromString("500"),
	})
	require.NoError(t, err)
	events := outbox.NewService(outbox.NewRepository(conn), nil)
	orderRepo := orders.NewRepository(conn)
	orderSvc, err := orders.NewService(orderRepo, client, events, stock, calc,
		config.OrdersConfig{NumberPrefix: "ORD", ReservationTTL: 30 * time.Minute}, nil)
	require.NoError(t, err)

	payRepo := NewRepository(conn)
	gateway := &fakeGateway{}
	svc, err := NewService(orderRepo, payRepo, client, gateway, "rzp_test_key", 30*time.Minute, nil)
	require.NoError(t, err)

	signer, err := NewSigner(testKeySecret, testWebhookSecret)
	require.NoError(t, err)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	coordinator, err := NewCoordinator(CoordinatorDeps{
		Orders:   orderRepo,
		Payments: payRepo,
		Tx:       client,
		Stock:    stock,
		Ledger:   ledgerSvc,
		Outbox:   events,
		Notifier: notifier,
		Signer:   signer,
	})
	require.NoError(t, err)

	return &harness{
		client:      client,
		conn:        conn,
		orders:      orderSvc,
		orderRepo:   orderRepo,
		payRepo:     payRepo,
		gateway:     gateway,
		signer:      signer,
		service:     svc,
		coordinator: coordinator,
		notifier:    notifier,
	}
}

// placeOrder creates a pending order for qty units of a product priced 500.00.
func (h *harness) placeOrder(t *testing.T, stock, qty int) (*models.Order, models.Product, orders.Actor) {
	t.Helper()
	buyer := orders.Actor{UserID: uuid.New(), Role: enums.RoleBuyer}
	addr := dbtest.SeedAddress(t, h.conn, buyer.UserID)
	product := dbtest.SeedProduct(t, h.conn, uuid.New(), "Kettle", "500.00", stock)
	order, err := h.orders.Create(context.Background(), orders.CreateOrderInput{
		BuyerUserID: buyer.UserID,
		AddressID:   addr.ID,
		Items:       []orders.LineInput{{ProductID: product.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return order, product, buyer
}

func (h *harness) reload(t *testing.T, orderID uuid.UUID) *models.Order {
	t.Helper()
	order, err := h.orderRepo.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	require.Equal(t, code, typed.Code(), typed.Message())
}
