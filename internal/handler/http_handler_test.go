package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/internal/domain"
	"github.com/shoplite/fulfillment/internal/policy"
	"github.com/shoplite/fulfillment/internal/service"
)

// stubEngine implements service.LifecycleService with per-method hooks.
type stubEngine struct {
	placeOrder          func(cmd service.PlaceOrderCommand) (*service.PlaceOrderResult, error)
	getOrder            func(orderID int64) (*domain.Order, error)
	verifyPayment       func(orderID int64, accept bool, actor domain.Actor) error
	saveShipment        func(orderID int64, carrier, tracking string, actor domain.Actor) error
	requestCancellation func(orderID int64, reason string, actor domain.Actor) error
	executeRefund       func(orderID int64, proofRef string, actor domain.Actor) error
	nextStep            func(orderID int64, flow policy.Flow, caps domain.CapabilitySet) (*policy.Directive, error)
	getInventory        func(productID int64) (*domain.InventoryRecord, error)
	sweepExpired        func(olderThan time.Duration) (int, error)

	transitionErr error
}

func (s *stubEngine) PlaceOrder(ctx context.Context, cmd service.PlaceOrderCommand) (*service.PlaceOrderResult, error) {
	return s.placeOrder(cmd)
}

func (s *stubEngine) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.getOrder(orderID)
}

func (s *stubEngine) AttachPaymentProof(ctx context.Context, orderID int64, proofRef string) error {
	return s.transitionErr
}

func (s *stubEngine) VerifyPayment(ctx context.Context, orderID int64, accept bool, actor domain.Actor) error {
	if s.verifyPayment != nil {
		return s.verifyPayment(orderID, accept, actor)
	}
	return s.transitionErr
}

func (s *stubEngine) ConfirmPreparation(ctx context.Context, orderID int64, actor domain.Actor) error {
	return s.transitionErr
}

func (s *stubEngine) SaveShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, actor domain.Actor) error {
	if s.saveShipment != nil {
		return s.saveShipment(orderID, carrier, trackingNumber, actor)
	}
	return s.transitionErr
}

func (s *stubEngine) ConfirmDelivery(ctx context.Context, orderID int64, actor domain.Actor) error {
	return s.transitionErr
}

func (s *stubEngine) RequestCancellation(ctx context.Context, orderID int64, reason string, actor domain.Actor) error {
	if s.requestCancellation != nil {
		return s.requestCancellation(orderID, reason, actor)
	}
	return s.transitionErr
}

func (s *stubEngine) ExecuteRefund(ctx context.Context, orderID int64, proofRef string, actor domain.Actor) error {
	if s.executeRefund != nil {
		return s.executeRefund(orderID, proofRef, actor)
	}
	return s.transitionErr
}

func (s *stubEngine) GetNextStepDirective(ctx context.Context, orderID int64, flow policy.Flow, caps domain.CapabilitySet) (*policy.Directive, error) {
	return s.nextStep(orderID, flow, caps)
}

func (s *stubEngine) GetInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	return s.getInventory(productID)
}

func (s *stubEngine) SweepExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.sweepExpired(olderThan)
}

func newTestServer(engine *stubEngine) *http.ServeMux {
	mux := http.NewServeMux()
	NewHTTPHandler(engine, zap.NewNop()).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func validPlaceRequest() PlaceOrderRequest {
	return PlaceOrderRequest{
		CustomerID:  7,
		PaymentType: "BANK_TRANSFER",
		Shipping: ShippingAddressDTO{
			Recipient: "Jamie Park",
			Line1:     "12 Harbor Lane",
			City:      "Busan",
		},
		Lines: []OrderLineRequest{
			{ProductID: 100, Quantity: 2, UnitPrice: 2500},
		},
	}
}

func TestPlaceOrder_Created(t *testing.T) {
	engine := &stubEngine{
		placeOrder: func(cmd service.PlaceOrderCommand) (*service.PlaceOrderResult, error) {
			assert.Equal(t, int64(7), cmd.CustomerID)
			assert.Equal(t, domain.PaymentBankTransfer, cmd.PaymentType)
			require.Len(t, cmd.Lines, 1)
			return &service.PlaceOrderResult{OrderID: 42, Status: domain.StatusAwaitingPayment, Total: 5000}, nil
		},
	}
	rec := doJSON(t, newTestServer(engine), http.MethodPost, "/orders", validPlaceRequest(), nil)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp PlaceOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.OrderID)
	assert.Equal(t, "AWAITING_PAYMENT", resp.Status)
	assert.Equal(t, int64(5000), resp.Total)
}

func TestPlaceOrder_MalformedBody(t *testing.T) {
	engine := &stubEngine{}
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	newTestServer(engine).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrder_BusinessErrorNotRetried(t *testing.T) {
	calls := 0
	engine := &stubEngine{
		placeOrder: func(cmd service.PlaceOrderCommand) (*service.PlaceOrderResult, error) {
			calls++
			return nil, apperrors.New(apperrors.ErrCodeInsufficientStock, "product 100: 1 available, 2 requested")
		},
	}
	rec := doJSON(t, newTestServer(engine), http.MethodPost, "/orders", validPlaceRequest(), nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, calls)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Code)
}

func TestRunTransition_RetriesStorageConflict(t *testing.T) {
	calls := 0
	engine := &stubEngine{
		verifyPayment: func(orderID int64, accept bool, actor domain.Actor) error {
			calls++
			if calls == 1 {
				return apperrors.New(apperrors.ErrCodeStorageConflict, "lost the race")
			}
			return nil
		},
	}
	rec := doJSON(t, newTestServer(engine), http.MethodPost, "/orders/42/verify-payment",
		VerifyPaymentRequest{Accept: true}, map[string]string{"X-Actor-Role": "staff"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestActorHeadersResolveCapabilities(t *testing.T) {
	var seen domain.Actor
	engine := &stubEngine{
		verifyPayment: func(orderID int64, accept bool, actor domain.Actor) error {
			seen = actor
			return nil
		},
	}
	mux := newTestServer(engine)

	doJSON(t, mux, http.MethodPost, "/orders/42/verify-payment", VerifyPaymentRequest{Accept: true},
		map[string]string{"X-Actor-Id": "staff-9", "X-Actor-Role": "staff"})
	assert.Equal(t, "staff-9", seen.ID)
	assert.True(t, seen.Capabilities.Has(domain.CapVerifyPayment))

	doJSON(t, mux, http.MethodPost, "/orders/42/verify-payment", VerifyPaymentRequest{Accept: true},
		map[string]string{"X-Actor-Id": "cust-1"})
	assert.False(t, seen.Capabilities.Has(domain.CapVerifyPayment))
	assert.True(t, seen.Capabilities.Has(domain.CapRequestCancel))
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid transition", apperrors.New(apperrors.ErrCodeInvalidTransition, "x"), http.StatusConflict},
		{"missing precondition", apperrors.New(apperrors.ErrCodeMissingPrecondition, "x"), http.StatusUnprocessableEntity},
		{"not found", apperrors.New(apperrors.ErrCodeOrderNotFound, "x"), http.StatusNotFound},
		{"invalid order", apperrors.New(apperrors.ErrCodeInvalidOrder, "x"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{transitionErr: tt.err}
			rec := doJSON(t, newTestServer(engine), http.MethodPost, "/orders/42/confirm-preparation",
				struct{}{}, map[string]string{"X-Actor-Role": "staff"})
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestGetOrder(t *testing.T) {
	shipped := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	engine := &stubEngine{
		getOrder: func(orderID int64) (*domain.Order, error) {
			if orderID != 42 {
				return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
			}
			return &domain.Order{
				ID:             42,
				CustomerID:     7,
				Status:         domain.StatusShipped,
				PaymentType:    domain.PaymentBankTransfer,
				Total:          5000,
				Carrier:        "CJ",
				TrackingNumber: "TRK-1",
				ShippedAt:      &shipped,
				Lines: []domain.OrderLine{
					{ProductID: 100, Quantity: 2, UnitPrice: 2500},
				},
			}, nil
		},
	}
	mux := newTestServer(engine)

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SHIPPED", resp.Status)
	assert.Equal(t, "TRK-1", resp.TrackingNumber)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, int64(5000), resp.Lines[0].Subtotal)

	req = httptest.NewRequest(http.MethodGet, "/orders/999", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/orders/zero", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetNextStep(t *testing.T) {
	engine := &stubEngine{
		nextStep: func(orderID int64, flow policy.Flow, caps domain.CapabilitySet) (*policy.Directive, error) {
			assert.Equal(t, policy.FlowRefund, flow)
			return &policy.Directive{
				NextStep:      domain.StatusRefunding,
				ActionLabel:   "Start refund",
				ActionEnabled: true,
			}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/orders/42/next-step?flow=refund", nil)
	req.Header.Set("X-Actor-Role", "staff")
	rec := httptest.NewRecorder()
	newTestServer(engine).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var directive policy.Directive
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &directive))
	assert.Equal(t, domain.StatusRefunding, directive.NextStep)
	assert.True(t, directive.ActionEnabled)
}

func TestGetInventory(t *testing.T) {
	engine := &stubEngine{
		getInventory: func(productID int64) (*domain.InventoryRecord, error) {
			return &domain.InventoryRecord{
				ProductID:        productID,
				BaseQuantity:     10,
				UnitsSold:        8,
				UnitsCancelled:   1,
				ReorderThreshold: 3,
			}, nil
		},
	}
	mux := newTestServer(engine)

	req := httptest.NewRequest(http.MethodGet, "/inventory/100", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp InventoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(100), resp.ProductID)
	assert.Equal(t, 3, resp.Available)
	assert.True(t, resp.BelowReorder)

	req = httptest.NewRequest(http.MethodGet, "/inventory/-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepExpired(t *testing.T) {
	var gotDeadline time.Duration
	engine := &stubEngine{
		sweepExpired: func(olderThan time.Duration) (int, error) {
			gotDeadline = olderThan
			return 3, nil
		},
	}
	mux := newTestServer(engine)

	rec := doJSON(t, mux, http.MethodPost, "/sweep-expired", SweepExpiredRequest{DeadlineHours: 48}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 48*time.Hour, gotDeadline)

	var resp SweepExpiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.CancelledCount)

	// Deadline defaults to 24h when the request omits it.
	rec = doJSON(t, mux, http.MethodPost, "/sweep-expired", SweepExpiredRequest{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24*time.Hour, gotDeadline)
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	newTestServer(&stubEngine{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
