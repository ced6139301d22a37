package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	internalorders "github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/refunds"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

const maxNotesLen = 500

// Canceller cancels orders on behalf of a caller.
type Canceller interface {
	Cancel(ctx context.Context, in refunds.CancelInput) (*models.Order, error)
}

// PaymentLinker opens hosted payment pages.
type PaymentLinker interface {
	CreatePaymentLink(ctx context.Context, actor internalorders.Actor, orderID uuid.UUID) (*payments.LinkResult, error)
}

type lineRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

type createOrderRequest struct {
	AddressID uuid.UUID     `json:"addressId" validate:"required"`
	Items     []lineRequest `json:"items" validate:"required,min=1,dive"`
	Notes     *string       `json:"notes,omitempty" validate:"omitempty,max=500"`
}

type createGuestOrderRequest struct {
	Email   string        `json:"email" validate:"required,email,max=254"`
	Address types.Address `json:"address"`
	Items   []lineRequest `json:"items" validate:"required,min=1,dive"`
	Notes   *string       `json:"notes,omitempty" validate:"omitempty,max=500"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type guestOrderResponse struct {
	Order       internalorders.OrderView `json:"order"`
	PaymentLink *payments.LinkResult     `json:"paymentLink,omitempty"`
}

// Create places a pending order for the authenticated buyer.
func Create(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Create(r.Context(), internalorders.CreateOrderInput{
			BuyerUserID: actor.UserID,
			AddressID:   req.AddressID,
			Items:       toLines(req.Items),
			Notes:       sanitizeNotes(req.Notes),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internalorders.NewOrderView(order))
	}
}

// CreateGuest places an order without an account and opens a payment link
// for it. A link failure still returns the order.
func CreateGuest(svc internalorders.Service, links PaymentLinker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		var req createGuestOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.CreateGuest(r.Context(), internalorders.CreateGuestOrderInput{
			Email:   strings.TrimSpace(req.Email),
			Address: req.Address,
			Items:   toLines(req.Items),
			Notes:   sanitizeNotes(req.Notes),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := guestOrderResponse{Order: internalorders.NewOrderView(order)}
		if links != nil {
			// Guests hold no token for the payment routes, so the link is
			// opened on their behalf.
			link, err := links.CreatePaymentLink(r.Context(), internalorders.SystemActor(), order.ID)
			if err != nil {
				if logg != nil {
					logg.Error(logg.WithOrderID(r.Context(), order.ID.String()), "guest payment link failed", err)
				}
			} else {
				resp.PaymentLink = link
			}
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}

// Detail returns one order the caller may see.
func Detail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Get(r.Context(), actor, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderView(order))
	}
}

// List pages through the caller's own orders, newest first.
func List(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListForBuyer(r.Context(), actor.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// Cancel cancels a pending order, or refunds and cancels a paid one.
func Cancel(svc Canceller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cancellation unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req cancelOrderRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		order, err := svc.Cancel(r.Context(), refunds.CancelInput{
			OrderID: orderID,
			Actor:   actor,
			Reason:  validators.SanitizeString(req.Reason, maxNotesLen),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderView(order))
	}
}

func actorFromRequest(r *http.Request) (internalorders.Actor, error) {
	userID, role, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing identity")
	}
	return internalorders.Actor{UserID: userID, Role: role}, nil
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return orderID, nil
}

func toLines(items []lineRequest) []internalorders.LineInput {
	lines := make([]internalorders.LineInput, 0, len(items))
	for _, item := range items {
		lines = append(lines, internalorders.LineInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func sanitizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	clean := validators.SanitizeString(*notes, maxNotesLen)
	if clean == "" {
		return nil
	}
	return &clean
}
