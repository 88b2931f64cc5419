package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/common/retry"
	"github.com/shoplite/fulfillment/internal/domain"
	"github.com/shoplite/fulfillment/internal/policy"
	"github.com/shoplite/fulfillment/internal/service"
)

// HTTPHandler exposes the lifecycle engine over JSON/HTTP. Identity and role
// resolution happen upstream; requests arrive with the actor id and role in
// headers set by the gateway.
type HTTPHandler struct {
	engine service.LifecycleService
	logger *zap.Logger
}

// NewHTTPHandler creates the handler.
func NewHTTPHandler(engine service.LifecycleService, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		logger: logger,
	}
}

// Register wires all routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /orders", h.PlaceOrder)
	mux.HandleFunc("GET /orders/{id}", h.GetOrder)
	mux.HandleFunc("GET /orders/{id}/next-step", h.GetNextStep)
	mux.HandleFunc("GET /inventory/{productId}", h.GetInventory)
	mux.HandleFunc("POST /orders/{id}/payment-proof", h.AttachPaymentProof)
	mux.HandleFunc("POST /orders/{id}/verify-payment", h.VerifyPayment)
	mux.HandleFunc("POST /orders/{id}/confirm-preparation", h.ConfirmPreparation)
	mux.HandleFunc("POST /orders/{id}/shipment", h.SaveShipment)
	mux.HandleFunc("POST /orders/{id}/confirm-delivery", h.ConfirmDelivery)
	mux.HandleFunc("POST /orders/{id}/cancel-request", h.RequestCancellation)
	mux.HandleFunc("POST /orders/{id}/refund", h.ExecuteRefund)
	mux.HandleFunc("POST /sweep-expired", h.SweepExpired)
}

func actorFromRequest(r *http.Request) domain.Actor {
	actor := domain.Actor{ID: r.Header.Get("X-Actor-Id")}
	switch strings.ToLower(r.Header.Get("X-Actor-Role")) {
	case "staff":
		actor.Capabilities = domain.StaffCapabilities()
	default:
		actor.Capabilities = domain.CustomerCapabilities()
	}
	return actor
}

func orderIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// PlaceOrderRequest is the placement payload.
type PlaceOrderRequest struct {
	CustomerID     int64              `json:"customerId"`
	PaymentType    string             `json:"paymentType"`
	IdempotencyKey string             `json:"idempotencyKey,omitempty"`
	Shipping       ShippingAddressDTO `json:"shipping"`
	Lines          []OrderLineRequest `json:"lines"`
}

// ShippingAddressDTO mirrors domain.ShippingAddress on the wire.
type ShippingAddressDTO struct {
	Recipient string `json:"recipient"`
	Phone     string `json:"phone"`
	Line1     string `json:"line1"`
	Line2     string `json:"line2,omitempty"`
	City      string `json:"city"`
	PostCode  string `json:"postCode"`
}

// OrderLineRequest is one requested line with its price snapshot.
type OrderLineRequest struct {
	ProductID         int64  `json:"productId"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unitPrice"`
	UnitCost          int64  `json:"unitCost"`
	UnitDiscountPrice *int64 `json:"unitDiscountPrice,omitempty"`
}

// PlaceOrderResponse is returned on successful placement.
type PlaceOrderResponse struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
	Total   int64  `json:"total"`
}

// ErrorResponse carries the error code so clients can react without string
// matching.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PlaceOrder handles POST /orders.
func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	lines := make([]service.PlaceOrderLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = service.PlaceOrderLine{
			ProductID:         l.ProductID,
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			UnitCost:          l.UnitCost,
			UnitDiscountPrice: l.UnitDiscountPrice,
		}
	}

	cmd := service.PlaceOrderCommand{
		CustomerID:     req.CustomerID,
		PaymentType:    domain.PaymentType(req.PaymentType),
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
		Shipping: domain.ShippingAddress{
			Recipient: req.Shipping.Recipient,
			Phone:     req.Shipping.Phone,
			Line1:     req.Shipping.Line1,
			Line2:     req.Shipping.Line2,
			City:      req.Shipping.City,
			PostCode:  req.Shipping.PostCode,
		},
	}

	var result *service.PlaceOrderResult
	err := retry.DoIf(r.Context(), retry.RequestConfig(), h.logger, apperrors.IsRetryable, func() error {
		res, err := h.engine.PlaceOrder(r.Context(), cmd)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, PlaceOrderResponse{
		OrderID: result.OrderID,
		Status:  string(result.Status),
		Total:   result.Total,
	})
}

// OrderResponse is the read model for GET /orders/{id}.
type OrderResponse struct {
	OrderID         int64               `json:"orderId"`
	CustomerID      int64               `json:"customerId"`
	Status          string              `json:"status"`
	PaymentType     string              `json:"paymentType"`
	Total           int64               `json:"total"`
	Shipping        ShippingAddressDTO  `json:"shipping"`
	PaymentProofRef string              `json:"paymentProofRef,omitempty"`
	Carrier         string              `json:"carrier,omitempty"`
	TrackingNumber  string              `json:"trackingNumber,omitempty"`
	ShippedAt       *time.Time          `json:"shippedAt,omitempty"`
	PlacedAt        time.Time           `json:"placedAt"`
	Lines           []OrderLineResponse `json:"lines"`
	Cancellation    *RecordResponse     `json:"cancellation,omitempty"`
	Refund          *RefundResponse     `json:"refund,omitempty"`
}

// OrderLineResponse is one line of the read model.
type OrderLineResponse struct {
	ProductID         int64  `json:"productId"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unitPrice"`
	UnitDiscountPrice *int64 `json:"unitDiscountPrice,omitempty"`
	Subtotal          int64  `json:"subtotal"`
}

// RecordResponse is a cancellation record on the wire.
type RecordResponse struct {
	Reason    string    `json:"reason"`
	ActorID   string    `json:"actorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefundResponse is a refund record on the wire.
type RefundResponse struct {
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actorId"`
	ProofRef  string    `json:"proofRef"`
	CreatedAt time.Time `json:"createdAt"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		OrderID:         o.ID,
		CustomerID:      o.CustomerID,
		Status:          string(o.Status),
		PaymentType:     string(o.PaymentType),
		Total:           o.Total,
		PaymentProofRef: o.PaymentProofRef,
		Carrier:         o.Carrier,
		TrackingNumber:  o.TrackingNumber,
		ShippedAt:       o.ShippedAt,
		PlacedAt:        o.PlacedAt,
		Shipping: ShippingAddressDTO{
			Recipient: o.ShippingAddress.Recipient,
			Phone:     o.ShippingAddress.Phone,
			Line1:     o.ShippingAddress.Line1,
			Line2:     o.ShippingAddress.Line2,
			City:      o.ShippingAddress.City,
			PostCode:  o.ShippingAddress.PostCode,
		},
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, OrderLineResponse{
			ProductID:         l.ProductID,
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			UnitDiscountPrice: l.UnitDiscountPrice,
			Subtotal:          l.Subtotal(),
		})
	}
	if o.Cancellation != nil {
		resp.Cancellation = &RecordResponse{
			Reason:    o.Cancellation.Reason,
			ActorID:   o.Cancellation.ActorID,
			CreatedAt: o.Cancellation.CreatedAt,
		}
	}
	if o.Refund != nil {
		resp.Refund = &RefundResponse{
			Reason:    o.Refund.Reason,
			ActorID:   o.Refund.ActorID,
			ProofRef:  o.Refund.ProofRef,
			CreatedAt: o.Refund.CreatedAt,
		}
	}
	return resp
}

// GetOrder handles GET /orders/{id}.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	order, err := h.engine.GetOrder(r.Context(), orderID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetNextStep handles GET /orders/{id}/next-step?flow=fulfilment.
func (h *HTTPHandler) GetNextStep(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	flow := policy.Flow(r.URL.Query().Get("flow"))
	if flow == "" {
		flow = policy.FlowFulfilment
	}

	actor := actorFromRequest(r)
	directive, err := h.engine.GetNextStepDirective(r.Context(), orderID, flow, actor.Capabilities)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, directive)
}

// InventoryResponse is the ledger position for one product.
type InventoryResponse struct {
	ProductID      int64 `json:"productId"`
	BaseQuantity   int   `json:"baseQuantity"`
	UnitsSold      int   `json:"unitsSold"`
	UnitsCancelled int   `json:"unitsCancelled"`
	Available      int   `json:"available"`
	BelowReorder   bool  `json:"belowReorder"`
}

// GetInventory handles GET /inventory/{productId}.
func (h *HTTPHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.PathValue("productId"), 10, 64)
	if err != nil || productID <= 0 {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid product id"))
		return
	}

	rec, err := h.engine.GetInventory(r.Context(), productID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, InventoryResponse{
		ProductID:      rec.ProductID,
		BaseQuantity:   rec.BaseQuantity,
		UnitsSold:      rec.UnitsSold,
		UnitsCancelled: rec.UnitsCancelled,
		Available:      rec.Available(),
		BelowReorder:   rec.BelowReorder(),
	})
}

// AttachPaymentProofRequest carries the uploaded artifact reference.
type AttachPaymentProofRequest struct {
	ProofRef string `json:"proofRef"`
}

// AttachPaymentProof handles POST /orders/{id}/payment-proof.
func (h *HTTPHandler) AttachPaymentProof(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	var req AttachPaymentProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	h.runTransition(w, r, func() error {
		return h.engine.AttachPaymentProof(r.Context(), orderID, req.ProofRef)
	})
}

// VerifyPaymentRequest accepts or rejects the attached proof.
type VerifyPaymentRequest struct {
	Accept bool `json:"accept"`
}

// VerifyPayment handles POST /orders/{id}/verify-payment.
func (h *HTTPHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	var req VerifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.VerifyPayment(r.Context(), orderID, req.Accept, actor)
	})
}

// ConfirmPreparation handles POST /orders/{id}/confirm-preparation.
func (h *HTTPHandler) ConfirmPreparation(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.ConfirmPreparation(r.Context(), orderID, actor)
	})
}

// SaveShipmentRequest carries the tracking details.
type SaveShipmentRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

// SaveShipment handles POST /orders/{id}/shipment.
func (h *HTTPHandler) SaveShipment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	var req SaveShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.SaveShipment(r.Context(), orderID, req.Carrier, req.TrackingNumber, actor)
	})
}

// ConfirmDelivery handles POST /orders/{id}/confirm-delivery.
func (h *HTTPHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.ConfirmDelivery(r.Context(), orderID, actor)
	})
}

// RequestCancellationRequest carries the mandatory reason.
type RequestCancellationRequest struct {
	Reason string `json:"reason"`
}

// RequestCancellation handles POST /orders/{id}/cancel-request.
func (h *HTTPHandler) RequestCancellation(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	var req RequestCancellationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.RequestCancellation(r.Context(), orderID, req.Reason, actor)
	})
}

// ExecuteRefundRequest carries the proof-of-refund artifact reference.
type ExecuteRefundRequest struct {
	ProofRef string `json:"proofRef"`
}

// ExecuteRefund handles POST /orders/{id}/refund.
func (h *HTTPHandler) ExecuteRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid order id"))
		return
	}

	var req ExecuteRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}

	actor := actorFromRequest(r)
	h.runTransition(w, r, func() error {
		return h.engine.ExecuteRefund(r.Context(), orderID, req.ProofRef, actor)
	})
}

// SweepExpiredRequest optionally overrides the deadline.
type SweepExpiredRequest struct {
	DeadlineHours int `json:"deadlineHours"`
}

// SweepExpiredResponse reports how many orders the sweep cancelled.
type SweepExpiredResponse struct {
	CancelledCount int `json:"cancelledCount"`
}

// SweepExpired handles POST /sweep-expired, the external trigger for the
// sweep the background worker runs on its own interval.
func (h *HTTPHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	var req SweepExpiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidOrder, "invalid request body"))
		return
	}
	if req.DeadlineHours <= 0 {
		req.DeadlineHours = 24
	}

	cancelled, err := h.engine.SweepExpired(r.Context(), time.Duration(req.DeadlineHours)*time.Hour)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, SweepExpiredResponse{CancelledCount: cancelled})
}

// HealthCheck handles GET /health.
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// AckResponse acknowledges a successful transition.
type AckResponse struct {
	Ack bool `json:"ack"`
}

// runTransition executes a mutating call, retrying transient storage
// conflicts before answering.
func (h *HTTPHandler) runTransition(w http.ResponseWriter, r *http.Request, fn func() error) {
	err := retry.DoIf(r.Context(), retry.RequestConfig(), h.logger, apperrors.IsRetryable, fn)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, AckResponse{Ack: true})
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidTransition, apperrors.ErrCodeInsufficientStock, apperrors.ErrCodeDuplicateRequest:
		return http.StatusConflict
	case apperrors.ErrCodeMissingPrecondition:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeInvalidOrder:
		return http.StatusBadRequest
	case apperrors.ErrCodeOrderNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeStorageConflict, apperrors.ErrCodeTimeoutError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) respondDomainError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, err *apperrors.DomainError) {
	h.respondJSON(w, status, ErrorResponse{Error: err.Message, Code: string(err.Code)})
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
