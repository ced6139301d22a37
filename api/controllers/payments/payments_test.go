package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	internalpayments "github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/refunds"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type stubPaymentService struct {
	intentErr error
	actor     orders.Actor
}

func (s *stubPaymentService) CreateIntent(_ context.Context, actor orders.Actor, orderID uuid.UUID) (*internalpayments.IntentResult, error) {
	s.actor = actor
	if s.intentErr != nil {
		return nil, s.intentErr
	}
	return &internalpayments.IntentResult{OrderID: orderID, GatewayOrderID: "order_1", AmountMinorUnits: 118000, Currency: "INR", KeyID: "rzp_test"}, nil
}

func (s *stubPaymentService) CreatePaymentLink(_ context.Context, actor orders.Actor, orderID uuid.UUID) (*internalpayments.LinkResult, error) {
	s.actor = actor
	return &internalpayments.LinkResult{OrderID: orderID, PaymentLinkID: "plink_1", ShortURL: "https://rzp.io/i/x"}, nil
}

type stubConfirmer struct {
	in     internalpayments.Confirmation
	result *internalpayments.ConfirmResult
	err    error
}

func (s *stubConfirmer) Confirm(_ context.Context, in internalpayments.Confirmation) (*internalpayments.ConfirmResult, error) {
	s.in = in
	return s.result, s.err
}

type stubRefunder struct {
	in  refunds.RefundInput
	err error
}

func (s *stubRefunder) Refund(_ context.Context, in refunds.RefundInput) (*refunds.RefundResult, error) {
	s.in = in
	if s.err != nil {
		return nil, s.err
	}
	return &refunds.RefundResult{OrderID: in.OrderID, RefundID: uuid.New(), Amount: *in.Amount}, nil
}

func authed(req *http.Request, userID uuid.UUID, role enums.Role) *http.Request {
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	return req.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	envelope := struct {
		Data any `json:"data"`
	}{Data: dest}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestCreateOrderReturnsIntent(t *testing.T) {
	svc := &stubPaymentService{}
	buyer := uuid.New()
	orderID := uuid.New()
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/create-order", strings.NewReader(`{"orderId":"`+orderID.String()+`"}`)), buyer, enums.RoleBuyer)
	rec := httptest.NewRecorder()
	CreateOrder(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var got internalpayments.IntentResult
	decodeData(t, rec, &got)
	if got.GatewayOrderID != "order_1" || got.AmountMinorUnits != 118000 || got.Currency != "INR" {
		t.Fatalf("unexpected intent %+v", got)
	}
	if svc.actor.UserID != buyer {
		t.Fatalf("unexpected actor %+v", svc.actor)
	}
}

func TestCreateOrderConflictWhenNotPending(t *testing.T) {
	svc := &stubPaymentService{intentErr: pkgerrors.New(pkgerrors.CodeConflict, "order is not awaiting payment")}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/create-order", strings.NewReader(`{"orderId":"`+uuid.NewString()+`"}`)), uuid.New(), enums.RoleBuyer)
	rec := httptest.NewRecorder()
	CreateOrder(svc, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestPaymentLinkReturnsShortURL(t *testing.T) {
	svc := &stubPaymentService{}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/payment-link", strings.NewReader(`{"orderId":"`+uuid.NewString()+`"}`)), uuid.New(), enums.RoleBuyer)
	rec := httptest.NewRecorder()
	PaymentLink(svc, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var got internalpayments.LinkResult
	decodeData(t, rec, &got)
	if got.PaymentLinkID != "plink_1" || got.ShortURL == "" {
		t.Fatalf("unexpected link %+v", got)
	}
}

func TestVerifyReportsAppliedAndDuplicate(t *testing.T) {
	orderID := uuid.New()
	body := `{"gatewayOrderId":"order_1","gatewayPaymentId":"pay_1","signature":"abc"}`

	for _, applied := range []bool{true, false} {
		confirmer := &stubConfirmer{result: &internalpayments.ConfirmResult{OrderID: orderID, Applied: applied}}
		req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/verify", strings.NewReader(body)), uuid.New(), enums.RoleBuyer)
		rec := httptest.NewRecorder()
		Verify(confirmer, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", rec.Code)
		}
		if confirmer.in.Source != enums.ConfirmationSourceVerify || confirmer.in.PreVerified {
			t.Fatalf("unexpected confirmation %+v", confirmer.in)
		}
		if confirmer.in.Signature != "abc" || confirmer.in.GatewayPaymentID != "pay_1" {
			t.Fatalf("unexpected confirmation %+v", confirmer.in)
		}
		var got verifyResponse
		decodeData(t, rec, &got)
		if got.OrderID != orderID || got.Message == "" {
			t.Fatalf("unexpected response %+v", got)
		}
	}
}

func TestVerifyPassesCallerAndAppliedBy(t *testing.T) {
	buyer := uuid.New()
	confirmer := &stubConfirmer{result: &internalpayments.ConfirmResult{OrderID: uuid.New(), AppliedBy: enums.ConfirmationSourceWebhook}}
	body := `{"gatewayOrderId":"order_1","gatewayPaymentId":"pay_1","signature":"abc"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/verify", strings.NewReader(body)), buyer, enums.RoleBuyer)
	rec := httptest.NewRecorder()
	Verify(confirmer, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if confirmer.in.Actor == nil || confirmer.in.Actor.UserID != buyer || confirmer.in.Actor.Role != enums.RoleBuyer {
		t.Fatalf("expected caller to be passed, got %+v", confirmer.in.Actor)
	}
	var got verifyResponse
	decodeData(t, rec, &got)
	if got.AppliedBy != enums.ConfirmationSourceWebhook || got.Message != "payment already verified" {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestVerifyRejectsMissingIdentity(t *testing.T) {
	confirmer := &stubConfirmer{}
	body := `{"gatewayOrderId":"order_1","gatewayPaymentId":"pay_1","signature":"abc"}`
	rec := httptest.NewRecorder()
	Verify(confirmer, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payment/verify", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if confirmer.in.GatewayOrderID != "" {
		t.Fatal("coordinator must not be called")
	}
}

func TestVerifyInvalidSignature(t *testing.T) {
	confirmer := &stubConfirmer{err: pkgerrors.New(pkgerrors.CodeInvalidSignature, "payment verification failed")}
	body := `{"gatewayOrderId":"order_1","gatewayPaymentId":"pay_1","signature":"forged"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/verify", strings.NewReader(body)), uuid.New(), enums.RoleBuyer)
	rec := httptest.NewRecorder()
	Verify(confirmer, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(pkgerrors.CodeInvalidSignature)) {
		t.Fatalf("expected invalid signature code, got %s", rec.Body.String())
	}
}

func TestVerifyRequiresAllFields(t *testing.T) {
	confirmer := &stubConfirmer{}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/verify", strings.NewReader(`{"gatewayOrderId":"order_1"}`)), uuid.New(), enums.RoleBuyer)
	rec := httptest.NewRecorder()
	Verify(confirmer, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if confirmer.in.GatewayOrderID != "" {
		t.Fatal("coordinator must not be called")
	}
}

func TestRefundPassesAmountAndActor(t *testing.T) {
	admin := uuid.New()
	orderID := uuid.New()
	refunder := &stubRefunder{}
	body := `{"orderId":"` + orderID.String() + `","amount":"250.50","reason":"damaged"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/refund", strings.NewReader(body)), admin, enums.RoleAdmin)
	rec := httptest.NewRecorder()
	Refund(refunder, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if refunder.in.Amount == nil || !refunder.in.Amount.Equal(decimal.RequireFromString("250.50")) {
		t.Fatalf("unexpected amount %v", refunder.in.Amount)
	}
	if refunder.in.Actor.Role != enums.RoleAdmin || refunder.in.Reason != "damaged" {
		t.Fatalf("unexpected refund input %+v", refunder.in)
	}
}

func TestRefundPaymentNotCompleted(t *testing.T) {
	refunder := &stubRefunder{err: pkgerrors.New(pkgerrors.CodePaymentNotCompleted, "order has not been paid")}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/payment/refund", strings.NewReader(`{"orderId":"`+uuid.NewString()+`"}`)), uuid.New(), enums.RoleAdmin)
	rec := httptest.NewRecorder()
	Refund(refunder, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if refunder.in.Amount != nil {
		t.Fatalf("expected no amount, got %v", refunder.in.Amount)
	}
}
