package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/inventory"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockReserver holds stock for a new order inside the caller's transaction.
type StockReserver interface {
	ReserveAll(ctx context.Context, tx *gorm.DB, lines []inventory.Line) error
}

// Service builds orders and serves buyer reads.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	CreateGuest(ctx context.Context, input CreateGuestOrderInput) (*models.Order, error)
	Get(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error)
	ListForBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	stock    StockReserver
	pricing  *pricing.Calculator
	cfg      config.OrdersConfig
	logg     *logger.Logger
	validate *validator.Validate
	now      func() time.Time
	numbers  func() (string, error)
}

// ProductDetails is attached to PRODUCT_UNAVAILABLE errors.
type ProductDetails struct {
	ProductID uuid.UUID `json:"productId"`
}

// NewService builds the order builder with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher, stock StockReserver, calc *pricing.Calculator, cfg config.OrdersConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock reserver required")
	}
	if calc == nil {
		return nil, fmt.Errorf("pricing calculator required")
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation ttl must be positive")
	}
	prefix := strings.TrimSpace(cfg.NumberPrefix)
	if prefix == "" {
		prefix = "ORD"
	}
	return &service{
		repo:     repo,
		tx:       tx,
		outbox:   outbox,
		stock:    stock,
		pricing:  calc,
		cfg:      cfg,
		logg:     logg,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		numbers:  func() (string, error) { return newOrderNumber(prefix) },
	}, nil
}

// draft is a validated order request ready to be priced and persisted.
type draft struct {
	buyerUserID *uuid.UUID
	guestEmail  *string
	addressID   *uuid.UUID
	address     types.Address
	notes       *string
	lines       []LineInput
	actor       Actor
}

func (s *service) Create(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if input.BuyerUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.AddressID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "addressId is required")
	}
	lines, err := s.normalizeLines(input.Items)
	if err != nil {
		return nil, err
	}

	addr, err := s.repo.FindAddress(ctx, input.AddressID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load address")
	}
	if addr == nil || addr.UserID != input.BuyerUserID {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAddress, "address not found for this account")
	}
	snapshot := addr.Snapshot()
	if err := snapshot.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidAddress, err, "address is incomplete")
	}

	buyerID := input.BuyerUserID
	addressID := addr.ID
	return s.build(ctx, draft{
		buyerUserID: &buyerID,
		addressID:   &addressID,
		address:     snapshot,
		notes:       trimNotes(input.Notes),
		lines:       lines,
		actor:       Actor{UserID: buyerID, Role: enums.RoleBuyer},
	})
}

func (s *service) CreateGuest(ctx context.Context, input CreateGuestOrderInput) (*models.Order, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "a valid email is required")
	}
	lines, err := s.normalizeLines(input.Items)
	if err != nil {
		return nil, err
	}
	snapshot := input.Address.Normalized()
	if err := s.validate.Struct(snapshot); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidAddress, err, "address is incomplete")
	}
	if err := snapshot.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidAddress, err, "address is incomplete")
	}

	return s.build(ctx, draft{
		guestEmail: &email,
		address:    snapshot,
		notes:      trimNotes(input.Notes),
		lines:      lines,
		actor:      Actor{Role: enums.RoleBuyer},
	})
}

// normalizeLines merges duplicate products and sorts by product id so every
// builder reserves rows in the same order.
func (s *service) normalizeLines(items []LineInput) ([]LineInput, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	merged := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "productId is required")
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(ProductDetails{ProductID: item.ProductID})
		}
		merged[item.ProductID] += item.Quantity
	}
	if s.cfg.MaxLineItems > 0 && len(merged) > s.cfg.MaxLineItems {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d distinct products per order", s.cfg.MaxLineItems))
	}

	lines := make([]LineInput, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, LineInput{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID.String() < lines[j].ProductID.String()
	})
	return lines, nil
}

func (s *service) loadProducts(ctx context.Context, lines []LineInput) (map[uuid.UUID]models.Product, error) {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	rows, err := s.repo.FindProducts(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load products")
	}
	byID := make(map[uuid.UUID]models.Product, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}
	for _, line := range lines {
		p, ok := byID[line.ProductID]
		if !ok || !p.IsActive {
			return nil, pkgerrors.New(pkgerrors.CodeProductUnavailable, fmt.Sprintf("product %s is unavailable", line.ProductID)).
				WithDetails(ProductDetails{ProductID: line.ProductID})
		}
	}
	return byID, nil
}

func (s *service) build(ctx context.Context, d draft) (*models.Order, error) {
	products, err := s.loadProducts(ctx, d.lines)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.cfg.ReservationTTL)
	order := &models.Order{
		ID:                   uuid.New(),
		BuyerUserID:          d.buyerUserID,
		GuestEmail:           d.guestEmail,
		AddressID:            d.addressID,
		ShippingAddress:      d.address,
		Notes:                d.notes,
		Currency:             s.pricing.Currency(),
		Status:               enums.OrderStatusPending,
		PaymentStatus:        enums.PaymentStatusPending,
		ReservationExpiresAt: &expiresAt,
	}

	amounts := make([]pricing.LineAmounts, 0, len(d.lines))
	reservations := make([]inventory.Line, 0, len(d.lines))
	for _, line := range d.lines {
		product := products[line.ProductID]
		priced := s.pricing.Line(product.Price, line.Quantity)
		amounts = append(amounts, priced)
		reservations = append(reservations, inventory.Line{ProductID: line.ProductID, Qty: line.Quantity})
		order.Items = append(order.Items, models.OrderItem{
			OrderID:          order.ID,
			ProductID:        product.ID,
			SellerID:         product.SellerID,
			ProductName:      product.Name,
			Quantity:         line.Quantity,
			UnitPrice:        priced.UnitPrice,
			LineTotal:        priced.LineTotal,
			CommissionAmount: priced.Commission,
			SellerAmount:     priced.SellerAmount,
			Status:           enums.OrderStatusPending,
		})
	}
	totals := s.pricing.Totals(s.pricing.Subtotal(amounts), decimal.Zero)
	order.Subtotal = totals.Subtotal
	order.DiscountAmount = totals.Discount
	order.TaxAmount = totals.Tax
	order.ShippingAmount = totals.Shipping
	order.TotalAmount = totals.Total
	if !order.TotalsConsistent() {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order totals do not balance")
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.stock.ReserveAll(ctx, tx, reservations); err != nil {
			return err
		}
		if err := s.insertWithNumber(ctx, tx, order); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         d.actor.Ref(),
			Data: payloads.OrderCreatedEvent{
				OrderID:              order.ID,
				OrderNumber:          order.OrderNumber,
				BuyerUserID:          order.BuyerUserID,
				SellerIDs:            order.SellerIDs(),
				TotalAmount:          order.TotalAmount,
				Currency:             order.Currency,
				ReservationExpiresAt: order.ReservationExpiresAt,
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, order.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"order_number": order.OrderNumber,
			"total":        order.TotalAmount.StringFixed(2),
			"lines":        len(order.Items),
		})
		s.logg.Info(logCtx, "order created")
	}
	return order, nil
}

// insertWithNumber allocates an order number, retrying on collision. Each
// attempt runs under a savepoint so a failed insert does not poison tx.
func (s *service) insertWithNumber(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	repo := s.repo.WithTx(tx)
	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		number, err := s.numbers()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate order number")
		}
		order.OrderNumber = number

		savepoint := fmt.Sprintf("order_number_%d", attempt)
		if err := tx.SavePoint(savepoint).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create savepoint")
		}
		err = repo.CreateOrder(ctx, order)
		if err == nil {
			return nil
		}
		if !isOrderNumberConflict(err) {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert order")
		}
		if err := tx.RollbackTo(savepoint).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "rollback savepoint")
		}
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "order_number", number), "order number collision; retrying")
		}
	}
	return pkgerrors.New(pkgerrors.CodeInternal, "could not allocate a unique order number")
}

func (s *service) Get(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if !actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to caller")
	}
	return order, nil
}

func (s *service) ListForBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if buyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	list, err := s.repo.ListByBuyer(ctx, buyerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	return list, nil
}

func trimNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
