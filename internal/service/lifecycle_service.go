package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/common/events"
	"github.com/shoplite/fulfillment/internal/clock"
	"github.com/shoplite/fulfillment/internal/domain"
	"github.com/shoplite/fulfillment/internal/policy"
	"github.com/shoplite/fulfillment/internal/repository"
)

// PlaceOrderLine is one requested line with its price snapshot.
type PlaceOrderLine struct {
	ProductID         int64
	Quantity          int
	UnitPrice         int64
	UnitCost          int64
	UnitDiscountPrice *int64
}

// PlaceOrderCommand is the placement request.
type PlaceOrderCommand struct {
	CustomerID     int64
	PaymentType    domain.PaymentType
	Lines          []PlaceOrderLine
	Shipping       domain.ShippingAddress
	IdempotencyKey string
}

// PlaceOrderResult is returned on successful placement.
type PlaceOrderResult struct {
	OrderID int64
	Status  domain.OrderStatus
	Total   int64
}

// LifecycleService drives every order status transition. All mutations of
// the order record and the inventory ledger go through it; nothing else
// writes either.
type LifecycleService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*PlaceOrderResult, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	AttachPaymentProof(ctx context.Context, orderID int64, proofRef string) error
	VerifyPayment(ctx context.Context, orderID int64, accept bool, actor domain.Actor) error
	ConfirmPreparation(ctx context.Context, orderID int64, actor domain.Actor) error
	SaveShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, actor domain.Actor) error
	ConfirmDelivery(ctx context.Context, orderID int64, actor domain.Actor) error
	RequestCancellation(ctx context.Context, orderID int64, reason string, actor domain.Actor) error
	ExecuteRefund(ctx context.Context, orderID int64, proofRef string, actor domain.Actor) error
	GetNextStepDirective(ctx context.Context, orderID int64, flow policy.Flow, caps domain.CapabilitySet) (*policy.Directive, error)
	GetInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error)
	SweepExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

type lifecycleService struct {
	store     repository.Store
	clk       clock.Clock
	logger    *zap.Logger
	txTimeout time.Duration
}

const (
	defaultTxTimeout = 5 * time.Second
	sweepBatchSize   = 500
)

// NewLifecycleService creates the engine.
func NewLifecycleService(store repository.Store, clk clock.Clock, logger *zap.Logger) LifecycleService {
	return &lifecycleService{
		store:     store,
		clk:       clk,
		logger:    logger,
		txTimeout: defaultTxTimeout,
	}
}

// PlaceOrder reserves stock for every line and creates the order in one unit
// of work. No partial order exists on InsufficientStock.
func (s *lifecycleService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*PlaceOrderResult, error) {
	if err := validatePlaceOrder(cmd); err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		if existing, err := s.store.FindOrderByIdempotencyKey(ctx, cmd.IdempotencyKey); err == nil {
			s.logger.Info("order already exists for idempotency key",
				zap.String("idempotencyKey", cmd.IdempotencyKey),
				zap.Int64("orderId", existing.ID))
			return &PlaceOrderResult{OrderID: existing.ID, Status: existing.Status, Total: existing.Total}, nil
		} else if !apperrors.HasCode(err, apperrors.ErrCodeOrderNotFound) {
			return nil, err
		}
	}

	now := s.clk.Now()
	lines := make([]domain.OrderLine, len(cmd.Lines))
	for i, l := range cmd.Lines {
		lines[i] = domain.OrderLine{
			ProductID:         l.ProductID,
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			UnitCost:          l.UnitCost,
			UnitDiscountPrice: l.UnitDiscountPrice,
		}
	}

	order := &domain.Order{
		CustomerID:      cmd.CustomerID,
		Status:          cmd.PaymentType.InitialStatus(),
		PaymentType:     cmd.PaymentType,
		Total:           domain.ComputeTotal(lines),
		ShippingAddress: cmd.Shipping,
		CorrelationID:   uuid.New().String(),
		IdempotencyKey:  cmd.IdempotencyKey,
		PlacedAt:        now,
		UpdatedAt:       now,
		Lines:           lines,
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		if err := tx.ReserveStock(ctx, order.Lines); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		eventLines := make([]events.EventLine, len(order.Lines))
		for i, l := range order.Lines {
			eventLines[i] = events.EventLine{
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				Subtotal:  l.Subtotal(),
			}
		}
		return s.stageEvent(ctx, tx, order.ID, events.EventOrderPlaced, events.OrderPlacedEvent{
			BaseEvent:   s.baseEvent(events.EventOrderPlaced, order.CorrelationID),
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			PaymentType: string(order.PaymentType),
			Total:       order.Total,
			Lines:       eventLines,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order placed",
		zap.Int64("orderId", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("correlationId", order.CorrelationID))

	return &PlaceOrderResult{OrderID: order.ID, Status: order.Status, Total: order.Total}, nil
}

func validatePlaceOrder(cmd PlaceOrderCommand) error {
	if !domain.ValidPaymentType(cmd.PaymentType) {
		return apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown payment type %q", cmd.PaymentType)
	}
	if len(cmd.Lines) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidOrder, "order must have at least one line")
	}
	for _, l := range cmd.Lines {
		if l.Quantity <= 0 {
			return apperrors.New(apperrors.ErrCodeInvalidOrder, "line quantity must be positive")
		}
		if l.UnitPrice < 0 || l.UnitCost < 0 {
			return apperrors.New(apperrors.ErrCodeInvalidOrder, "line prices must not be negative")
		}
		if l.UnitDiscountPrice != nil && *l.UnitDiscountPrice < 0 {
			return apperrors.New(apperrors.ErrCodeInvalidOrder, "discount price must not be negative")
		}
	}
	if cmd.Shipping.Recipient == "" || cmd.Shipping.Line1 == "" {
		return apperrors.New(apperrors.ErrCodeInvalidOrder, "shipping recipient and address are required")
	}
	return nil
}

// GetOrder loads an order with its lines and records.
func (s *lifecycleService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.store.FindOrder(ctx, orderID)
}

// GetNextStepDirective evaluates the transition policy for the order's
// current state. The same Decide call the engine uses for pre-validation
// backs this, so the two can not diverge.
func (s *lifecycleService) GetNextStepDirective(ctx context.Context, orderID int64, flow policy.Flow, caps domain.CapabilitySet) (*policy.Directive, error) {
	if !policy.ValidFlow(flow) {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown flow %q", flow)
	}

	order, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	d := policy.Decide(policy.Context{
		Status:          order.Status,
		Flow:            flow,
		Caps:            caps,
		HasPaymentProof: order.PaymentProofRef != "",
		LineCount:       len(order.Lines),
	})
	return &d, nil
}

// GetInventory returns the current ledger position for one product.
func (s *lifecycleService) GetInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	return s.store.FindInventory(ctx, productID)
}

// SweepExpired cancels awaiting-payment orders placed longer ago than
// olderThan, releasing their reserved stock. Per-order failures are logged
// and skipped so one stuck order cannot block the rest of the sweep.
func (s *lifecycleService) SweepExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clk.Now().Add(-olderThan)

	ids, err := s.store.ExpiredAwaitingPayment(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, orderID := range ids {
		err := s.cancelExpired(ctx, orderID, cutoff)
		switch {
		case err == nil:
			cancelled++
		case apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition):
			// A concurrent payment acceptance (or an earlier sweep) won the
			// order's row lock first. Not an error.
			s.logger.Debug("expired order already transitioned", zap.Int64("orderId", orderID))
		default:
			s.logger.Error("failed to cancel expired order",
				zap.Int64("orderId", orderID),
				zap.Error(err))
		}
	}

	if cancelled > 0 {
		s.logger.Info("expired orders cancelled",
			zap.Int("count", cancelled),
			zap.Time("cutoff", cutoff))
	}
	return cancelled, nil
}

func (s *lifecycleService) cancelExpired(ctx context.Context, orderID int64, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	return s.store.WithinTx(ctx, func(tx repository.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		// Re-check under the lock: the candidate query ran without one.
		if order.Status != domain.StatusAwaitingPayment || order.PlacedAt.After(cutoff) {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
				"order %d is no longer expired awaiting payment (status %s)", orderID, order.Status)
		}
		return s.cancelLocked(ctx, tx, order, "payment deadline exceeded", sweeperActorID)
	})
}

const sweeperActorID = "expiry-sweeper"

func (s *lifecycleService) stageEvent(ctx context.Context, tx repository.Tx, orderID int64, eventType events.EventType, evt interface{}) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeSerializationError, "failed to marshal event", err)
	}
	return tx.AppendOutbox(ctx, &repository.OutboxEvent{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     string(eventType),
		Payload:       payload,
		Status:        repository.OutboxStatusPending,
		CreatedAt:     s.clk.Now(),
	})
}

func (s *lifecycleService) baseEvent(eventType events.EventType, correlationID string) events.BaseEvent {
	return events.BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    s.clk.Now(),
		CorrelationID: correlationID,
	}
}
