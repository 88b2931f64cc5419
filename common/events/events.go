package events

import "time"

// EventType names every audit event the engine emits. The name doubles as
// the Kafka topic.
type EventType string

const (
	EventOrderPlaced           EventType = "order.placed.v1"
	EventPaymentProofAttached  EventType = "order.payment_proof_attached.v1"
	EventPaymentVerified       EventType = "order.payment_verified.v1"
	EventPaymentRejected       EventType = "order.payment_rejected.v1"
	EventOrderConfirmed        EventType = "order.confirmed.v1"
	EventOrderShipped          EventType = "order.shipped.v1"
	EventOrderDelivered        EventType = "order.delivered.v1"
	EventCancellationRequested EventType = "order.cancellation_requested.v1"
	EventRefundStarted         EventType = "order.refund_started.v1"
	EventOrderRefunded         EventType = "order.refunded.v1"
	EventOrderCancelled        EventType = "order.cancelled.v1"
)

// BaseEvent is embedded in every audit event.
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // stable per order, ties the trail together
}

// EventLine is the per-line payload snapshot carried by placement events.
type EventLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
	Subtotal  int64 `json:"subtotal"`
}

// OrderPlacedEvent records a successful placement with reserved stock.
type OrderPlacedEvent struct {
	BaseEvent
	OrderID     int64       `json:"orderId"`
	CustomerID  int64       `json:"customerId"`
	PaymentType string      `json:"paymentType"`
	Total       int64       `json:"total"`
	Lines       []EventLine `json:"lines"`
}

// PaymentProofAttachedEvent records a proof-of-payment artifact landing on an order.
type PaymentProofAttachedEvent struct {
	BaseEvent
	OrderID  int64  `json:"orderId"`
	ProofRef string `json:"proofRef"`
}

// PaymentVerifiedEvent records staff accepting the payment proof.
type PaymentVerifiedEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
}

// PaymentRejectedEvent records staff rejecting the payment proof; the order is
// cancelled in the same transaction.
type PaymentRejectedEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

// OrderConfirmedEvent records the order entering preparation.
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
}

// OrderShippedEvent records shipment details being confirmed.
type OrderShippedEvent struct {
	BaseEvent
	OrderID        int64     `json:"orderId"`
	Carrier        string    `json:"carrier"`
	TrackingNumber string    `json:"trackingNumber"`
	ShippedAt      time.Time `json:"shippedAt"`
}

// OrderDeliveredEvent records delivery confirmation.
type OrderDeliveredEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
}

// CancellationRequestedEvent records an order entering the cancellation branch.
type CancellationRequestedEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

// RefundStartedEvent records the refund payout starting.
type RefundStartedEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
}

// OrderRefundedEvent records the refund completing with its proof artifact;
// reserved stock is released in the same transaction.
type OrderRefundedEvent struct {
	BaseEvent
	OrderID  int64  `json:"orderId"`
	ActorID  string `json:"actorId"`
	ProofRef string `json:"proofRef"`
}

// OrderCancelledEvent records the order reaching the cancelled terminal state;
// reserved stock is released in the same transaction.
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"orderId"`
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}
