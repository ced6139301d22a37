package payments

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	internalpayments "github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/refunds"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const maxReasonLen = 500

// Confirmer applies a payment confirmation.
type Confirmer interface {
	Confirm(ctx context.Context, in internalpayments.Confirmation) (*internalpayments.ConfirmResult, error)
}

// Refunder issues refunds.
type Refunder interface {
	Refund(ctx context.Context, in refunds.RefundInput) (*refunds.RefundResult, error)
}

type orderRequest struct {
	OrderID uuid.UUID `json:"orderId" validate:"required"`
}

type verifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" validate:"required,max=64"`
	GatewayPaymentID string `json:"gatewayPaymentId" validate:"required,max=64"`
	Signature        string `json:"signature" validate:"required,max=256"`
}

type verifyResponse struct {
	Message   string                   `json:"message"`
	OrderID   uuid.UUID                `json:"orderId"`
	AppliedBy enums.ConfirmationSource `json:"appliedBy,omitempty"`
}

type refundRequest struct {
	OrderID uuid.UUID        `json:"orderId" validate:"required"`
	Amount  *decimal.Decimal `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Reason  string           `json:"reason" validate:"max=500"`
}

// CreateOrder opens a gateway order for a pending order.
func CreateOrder(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req orderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		intent, err := svc.CreateIntent(r.Context(), actor, req.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, intent)
	}
}

// PaymentLink opens a hosted payment page for a pending order.
func PaymentLink(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req orderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.CreatePaymentLink(r.Context(), actor, req.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, link)
	}
}

// Verify confirms a payment the checkout widget reports as captured. The
// caller must own the order; guest orders are confirmed by webhook.
func Verify(coordinator Confirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if coordinator == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req verifyRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := coordinator.Confirm(r.Context(), internalpayments.Confirmation{
			Source:           enums.ConfirmationSourceVerify,
			GatewayOrderID:   req.GatewayOrderID,
			GatewayPaymentID: req.GatewayPaymentID,
			Signature:        req.Signature,
			Actor:            &actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		msg := "payment verified"
		if !result.Applied {
			msg = "payment already verified"
		}
		responses.WriteSuccess(w, verifyResponse{Message: msg, OrderID: result.OrderID, AppliedBy: result.AppliedBy})
	}
}

// Refund returns money for a paid order. Admin only.
func Refund(processor Refunder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if processor == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refunds unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req refundRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := processor.Refund(r.Context(), refunds.RefundInput{
			OrderID: req.OrderID,
			Amount:  req.Amount,
			Reason:  validators.SanitizeString(req.Reason, maxReasonLen),
			Actor:   actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func actorFromRequest(r *http.Request) (orders.Actor, error) {
	userID, role, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return orders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing identity")
	}
	return orders.Actor{UserID: userID, Role: role}, nil
}
