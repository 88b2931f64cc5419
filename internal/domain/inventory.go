package domain

import "time"

// InventoryRecord is the per-product stock ledger. BaseQuantity is the last
// reconciled physical count; UnitsSold and UnitsCancelled are monotonic
// counters moved only by reserve/release, which keeps the two operations
// commutative and safe to retry.
type InventoryRecord struct {
	ProductID        int64
	BaseQuantity     int
	UnitsSold        int
	UnitsCancelled   int
	ReorderThreshold int
	UpdatedAt        time.Time
}

// Available is the derived available-to-sell count. A successful reservation
// must never drive this negative.
func (r InventoryRecord) Available() int {
	return r.BaseQuantity - r.UnitsSold + r.UnitsCancelled
}

// BelowReorder reports whether available stock has fallen to the reorder
// threshold.
func (r InventoryRecord) BelowReorder() bool {
	return r.Available() <= r.ReorderThreshold
}
