package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shoplite/fulfillment/internal/domain"
)

// Tx is one atomic unit of work. Everything called through it commits or
// rolls back together; the lifecycle engine joins the status write, the
// ledger update and the audit append on a single Tx.
type Tx interface {
	// GetOrderForUpdate loads the order with its lines under a row lock,
	// serializing concurrent transitions on the same order.
	GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error)
	// CreateOrder inserts the order and its lines, filling ID and Version.
	CreateOrder(ctx context.Context, order *domain.Order) error
	// UpdateOrderStatus moves the order if its version still matches;
	// returns false when a concurrent transition won.
	UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, version int64) (bool, error)
	SetPaymentProof(ctx context.Context, orderID int64, proofRef string) error
	SetShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, shippedAt time.Time) error
	InsertCancellation(ctx context.Context, rec *domain.CancellationRecord) error
	InsertRefund(ctx context.Context, rec *domain.RefundRecord) error

	// ReserveStock checks availability for every line under row locks and
	// bumps the sold counters, all-or-nothing across the batch.
	ReserveStock(ctx context.Context, lines []domain.OrderLine) error
	// ReleaseStock bumps the cancelled counters; it has no precondition.
	ReleaseStock(ctx context.Context, lines []domain.OrderLine) error

	// AppendOutbox stages an audit event for publication on commit.
	AppendOutbox(ctx context.Context, event *OutboxEvent) error
}

// Store is the engine's durable storage boundary.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	FindOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	// ExpiredAwaitingPayment lists orders still awaiting payment placed at
	// or before cutoff, oldest first.
	ExpiredAwaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	FindInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error)
}

// OutboxEvent is a staged audit event awaiting publication.
type OutboxEvent struct {
	ID            int64
	AggregateType string
	AggregateID   int64
	EventType     string
	Payload       json.RawMessage
	Status        string
	CreatedAt     time.Time
	SentAt        *time.Time
}

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxRepository is the worker-side view of the outbox.
type OutboxRepository interface {
	FindPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkSent(ctx context.Context, id int64) error
}
