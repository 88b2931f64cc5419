package domain

import "time"

// OrderStatus is the order's position in the fulfillment graph.
type OrderStatus string

const (
	StatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	StatusPending         OrderStatus = "PENDING"
	StatusPreparing       OrderStatus = "PREPARING"
	StatusShipped         OrderStatus = "SHIPPED"
	StatusDelivered       OrderStatus = "DELIVERED"
	StatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	StatusRefunding       OrderStatus = "REFUNDING"
	StatusRefunded        OrderStatus = "REFUNDED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// PaymentType determines the order's initial status: bank transfers wait for
// a payment slip, cash-on-delivery orders start pending.
type PaymentType string

const (
	PaymentBankTransfer   PaymentType = "BANK_TRANSFER"
	PaymentCashOnDelivery PaymentType = "CASH_ON_DELIVERY"
)

// ValidPaymentType reports whether t is a known payment type.
func ValidPaymentType(t PaymentType) bool {
	return t == PaymentBankTransfer || t == PaymentCashOnDelivery
}

// InitialStatus returns the status a freshly placed order starts in.
func (t PaymentType) InitialStatus() OrderStatus {
	if t == PaymentCashOnDelivery {
		return StatusPending
	}
	return StatusAwaitingPayment
}

// ShippingAddress is snapshotted onto the order at placement time.
type ShippingAddress struct {
	Recipient string
	Phone     string
	Line1     string
	Line2     string
	City      string
	PostCode  string
}

// Order is the aggregate the lifecycle engine mutates. Lines are immutable
// after creation; Total is fixed at placement and never recomputed from live
// product prices.
type Order struct {
	ID              int64
	CustomerID      int64
	Status          OrderStatus
	PaymentType     PaymentType
	Total           int64
	ShippingAddress ShippingAddress
	PaymentProofRef string
	Carrier         string
	TrackingNumber  string
	ShippedAt       *time.Time
	CorrelationID   string
	IdempotencyKey  string
	Version         int64
	PlacedAt        time.Time
	UpdatedAt       time.Time

	Lines        []OrderLine
	Cancellation *CancellationRecord
	Refund       *RefundRecord
}

// OrderLine is one product position, price-snapshotted at placement.
type OrderLine struct {
	ID                int64
	OrderID           int64
	ProductID         int64
	Quantity          int
	UnitPrice         int64
	UnitCost          int64
	UnitDiscountPrice *int64
}

// Subtotal is quantity times the effective unit price (discount wins when set).
func (l OrderLine) Subtotal() int64 {
	price := l.UnitPrice
	if l.UnitDiscountPrice != nil {
		price = *l.UnitDiscountPrice
	}
	return int64(l.Quantity) * price
}

// ComputeTotal sums the line subtotals.
func ComputeTotal(lines []OrderLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.Subtotal()
	}
	return total
}

// transitions is the full directed graph. Cancelled is reachable only from
// AwaitingPayment: before a payment has been accepted no money has moved, so
// no refund leg is needed. After acceptance every cancellation goes
// CancelRequested -> Refunding -> Refunded.
var transitions = map[OrderStatus][]OrderStatus{
	StatusAwaitingPayment: {StatusPending, StatusCancelled},
	StatusPending:         {StatusPreparing, StatusCancelRequested},
	StatusPreparing:       {StatusShipped, StatusCancelRequested},
	StatusShipped:         {StatusDelivered, StatusCancelRequested},
	StatusCancelRequested: {StatusRefunding},
	StatusRefunding:       {StatusRefunded},
}

// IsTerminal reports whether no further transitions exist from s.
func (s OrderStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether the graph permits moving to newStatus.
func (o *Order) CanTransitionTo(newStatus OrderStatus) bool {
	for _, allowed := range transitions[o.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses directly reachable from s.
func AllowedTransitions(s OrderStatus) []OrderStatus {
	return transitions[s]
}

// ReleasesStock reports whether entering newStatus must return the order's
// reserved units to availability. Stock is reserved exactly once at
// placement and released exactly once on the transition into a dead state.
func ReleasesStock(newStatus OrderStatus) bool {
	return newStatus == StatusCancelled || newStatus == StatusRefunded
}

// CancellationTarget returns where a cancellation request lands from s, and
// whether a request is possible at all. Unpaid orders die directly; paid
// orders enter the refund branch.
func CancellationTarget(s OrderStatus) (OrderStatus, bool) {
	switch s {
	case StatusAwaitingPayment:
		return StatusCancelled, true
	case StatusPending, StatusPreparing, StatusShipped:
		return StatusCancelRequested, true
	}
	return "", false
}
