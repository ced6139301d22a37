package sellers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// BalanceReader sums a seller's ledger.
type BalanceReader interface {
	SellerBalance(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

type balanceResponse struct {
	SellerID uuid.UUID       `json:"sellerId"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// Balance returns the payout a seller is owed. Sellers see only their own
// balance; admins see any.
func Balance(ledger BalanceReader, currency string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ledger == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger unavailable"))
			return
		}
		userID, role, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing identity"))
			return
		}

		raw := strings.TrimSpace(chi.URLParam(r, "sellerId"))
		sellerID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid seller id"))
			return
		}
		if role != enums.RoleAdmin && sellerID != userID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "balance belongs to another seller"))
			return
		}

		balance, err := ledger.SellerBalance(r.Context(), sellerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read seller balance"))
			return
		}
		responses.WriteSuccess(w, balanceResponse{SellerID: sellerID, Balance: balance, Currency: currency})
	}
}
