package sellers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

type stubLedger struct {
	asked   uuid.UUID
	balance decimal.Decimal
	err     error
}

func (s *stubLedger) SellerBalance(_ context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	s.asked = sellerID
	return s.balance, s.err
}

func balanceRequest(userID uuid.UUID, role enums.Role, sellerID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sellers/"+sellerID+"/balance", nil)
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sellerId", sellerID)
	return req.WithContext(context.WithValue(ctx, chi.RouteCtxKey, rctx))
}

func TestBalanceForOwnSeller(t *testing.T) {
	seller := uuid.New()
	ledger := &stubLedger{balance: decimal.RequireFromString("807.50")}

	rec := httptest.NewRecorder()
	Balance(ledger, "INR", nil).ServeHTTP(rec, balanceRequest(seller, enums.RoleSeller, seller.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if ledger.asked != seller {
		t.Fatalf("expected balance for %s, asked %s", seller, ledger.asked)
	}

	var payload struct {
		Data balanceResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Data.Balance.Equal(decimal.RequireFromString("807.5")) || payload.Data.Currency != "INR" {
		t.Fatalf("unexpected body %+v", payload.Data)
	}
}

func TestBalanceOfAnotherSeller(t *testing.T) {
	other := uuid.NewString()

	ledger := &stubLedger{}
	rec := httptest.NewRecorder()
	Balance(ledger, "INR", nil).ServeHTTP(rec, balanceRequest(uuid.New(), enums.RoleSeller, other))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("seller: expected 403 got %d", rec.Code)
	}
	if ledger.asked != uuid.Nil {
		t.Fatal("ledger must not be read for a foreign seller")
	}

	rec = httptest.NewRecorder()
	Balance(ledger, "INR", nil).ServeHTTP(rec, balanceRequest(uuid.New(), enums.RoleAdmin, other))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d", rec.Code)
	}
}

func TestBalanceErrors(t *testing.T) {
	seller := uuid.New()

	rec := httptest.NewRecorder()
	Balance(&stubLedger{}, "INR", nil).ServeHTTP(rec, balanceRequest(seller, enums.RoleAdmin, "not-a-uuid"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Balance(&stubLedger{err: errors.New("db down")}, "INR", nil).ServeHTTP(rec, balanceRequest(seller, enums.RoleSeller, seller.String()))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("ledger error: expected 500 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Balance(nil, "INR", nil).ServeHTTP(rec, balanceRequest(seller, enums.RoleSeller, seller.String()))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("nil ledger: expected 500 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sellers/x/balance", nil)
	Balance(&stubLedger{}, "INR", nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no identity: expected 401 got %d", rec.Code)
	}
}
