package domain

import "time"

// CancellationRecord is written exactly once, when the order enters the
// cancellation branch or dies unpaid.
type CancellationRecord struct {
	OrderID   int64
	Reason    string
	ActorID   string
	CreatedAt time.Time
}

// RefundRecord is written exactly once, when the refund payout completes.
type RefundRecord struct {
	OrderID   int64
	Reason    string
	ActorID   string
	ProofRef  string
	CreatedAt time.Time
}
