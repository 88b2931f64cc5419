package repository

import (
	"context"
	"database/sql"
	"sort"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/internal/domain"
)

// quantityByProduct folds the batch into one quantity per product, sorted by
// ascending product id. Locking rows in a fixed order keeps two overlapping
// multi-line orders from deadlocking on each other.
func quantityByProduct(lines []domain.OrderLine) ([]int64, map[int64]int) {
	need := make(map[int64]int, len(lines))
	for _, l := range lines {
		need[l.ProductID] += l.Quantity
	}

	ids := make([]int64, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, need
}

func (t *pgTx) ReserveStock(ctx context.Context, lines []domain.OrderLine) error {
	ids, need := quantityByProduct(lines)

	// Lock and check every row before writing anything, so the batch is
	// rejected whole when any line is short. A plain check-then-write
	// without the lock would race concurrent reservations.
	for _, productID := range ids {
		var base, sold, cancelled int
		err := t.tx.QueryRowContext(ctx, `
			SELECT base_quantity, units_sold, units_cancelled
			FROM inventory
			WHERE product_id = $1
			FOR UPDATE
		`, productID).Scan(&base, &sold, &cancelled)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown product %d", productID)
		}
		if err != nil {
			return wrapDBError("lock inventory", err)
		}

		available := base - sold + cancelled
		if available < need[productID] {
			return apperrors.Newf(apperrors.ErrCodeInsufficientStock,
				"product %d: %d available, %d requested", productID, available, need[productID])
		}
	}

	for _, productID := range ids {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE inventory
			SET units_sold = units_sold + $1, updated_at = NOW()
			WHERE product_id = $2
		`, need[productID], productID)
		if err != nil {
			return wrapDBError("reserve stock", err)
		}
	}
	return nil
}

func (t *pgTx) ReleaseStock(ctx context.Context, lines []domain.OrderLine) error {
	ids, need := quantityByProduct(lines)

	// Same lock order as ReserveStock.
	for _, productID := range ids {
		var dummy int64
		err := t.tx.QueryRowContext(ctx, `
			SELECT product_id FROM inventory WHERE product_id = $1 FOR UPDATE
		`, productID).Scan(&dummy)
		if err == sql.ErrNoRows {
			// Product row gone; nothing to restore.
			continue
		}
		if err != nil {
			return wrapDBError("lock inventory", err)
		}

		_, err = t.tx.ExecContext(ctx, `
			UPDATE inventory
			SET units_cancelled = units_cancelled + $1, updated_at = NOW()
			WHERE product_id = $2
		`, need[productID], productID)
		if err != nil {
			return wrapDBError("release stock", err)
		}
	}
	return nil
}
