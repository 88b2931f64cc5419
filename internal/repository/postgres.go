package repository

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/internal/domain"
)

// PostgresStore implements Store on database/sql + lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx runs fn inside a transaction. A lock_timeout keeps a contended
// row lock from blocking the caller indefinitely; the mapped error is
// retryable.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
		return wrapDBError("set lock timeout", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}
	return nil
}

const orderColumns = `
	id, customer_id, status, payment_type, total,
	ship_recipient, ship_phone, ship_line1, ship_line2, ship_city, ship_postcode,
	payment_proof_ref, carrier, tracking_number, shipped_at,
	correlation_id, idempotency_key, version, placed_at, updated_at`

func scanOrder(row *sql.Row) (*domain.Order, error) {
	o := &domain.Order{}
	var shippedAt sql.NullTime
	var idemKey sql.NullString
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.Status, &o.PaymentType, &o.Total,
		&o.ShippingAddress.Recipient, &o.ShippingAddress.Phone,
		&o.ShippingAddress.Line1, &o.ShippingAddress.Line2,
		&o.ShippingAddress.City, &o.ShippingAddress.PostCode,
		&o.PaymentProofRef, &o.Carrier, &o.TrackingNumber, &shippedAt,
		&o.CorrelationID, &idemKey, &o.Version, &o.PlacedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if shippedAt.Valid {
		t := shippedAt.Time
		o.ShippedAt = &t
	}
	o.IdempotencyKey = idemKey.String
	return o, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadOrder(ctx context.Context, q rowQuerier, query string, arg interface{}) (*domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
	}
	if err != nil {
		return nil, wrapDBError("find order", err)
	}

	if err := loadLines(ctx, q, order); err != nil {
		return nil, err
	}
	if err := loadRecords(ctx, q, order); err != nil {
		return nil, err
	}
	return order, nil
}

func loadLines(ctx context.Context, q rowQuerier, order *domain.Order) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, unit_cost, unit_discount_price
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return wrapDBError("load order lines", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.OrderLine
		var discount sql.NullInt64
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.UnitCost, &discount); err != nil {
			return wrapDBError("scan order line", err)
		}
		if discount.Valid {
			d := discount.Int64
			l.UnitDiscountPrice = &d
		}
		order.Lines = append(order.Lines, l)
	}
	return wrapDBError("load order lines", rows.Err())
}

func loadRecords(ctx context.Context, q rowQuerier, order *domain.Order) error {
	cancel := &domain.CancellationRecord{}
	err := q.QueryRowContext(ctx, `
		SELECT order_id, reason, actor_id, created_at
		FROM order_cancellations
		WHERE order_id = $1
	`, order.ID).Scan(&cancel.OrderID, &cancel.Reason, &cancel.ActorID, &cancel.CreatedAt)
	if err == nil {
		order.Cancellation = cancel
	} else if err != sql.ErrNoRows {
		return wrapDBError("load cancellation record", err)
	}

	refund := &domain.RefundRecord{}
	err = q.QueryRowContext(ctx, `
		SELECT order_id, reason, actor_id, proof_ref, created_at
		FROM order_refunds
		WHERE order_id = $1
	`, order.ID).Scan(&refund.OrderID, &refund.Reason, &refund.ActorID, &refund.ProofRef, &refund.CreatedAt)
	if err == nil {
		order.Refund = refund
	} else if err != sql.ErrNoRows {
		return wrapDBError("load refund record", err)
	}

	return nil
}

// FindOrder loads an order with lines and records, without locking.
func (s *PostgresStore) FindOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return loadOrder(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// FindOrderByIdempotencyKey returns the order created under the key, if any.
func (s *PostgresStore) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

// ExpiredAwaitingPayment lists awaiting-payment orders placed at or before
// cutoff. The sweeper re-checks state under the row lock before cancelling,
// so a stale result here is harmless.
func (s *PostgresStore) ExpiredAwaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE status = $1 AND placed_at <= $2
		ORDER BY placed_at ASC
		LIMIT $3
	`, domain.StatusAwaitingPayment, cutoff, limit)
	if err != nil {
		return nil, wrapDBError("find expired orders", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan expired order id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDBError("find expired orders", rows.Err())
}

// FindInventory returns the ledger record for one product.
func (s *PostgresStore) FindInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	rec := &domain.InventoryRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, base_quantity, units_sold, units_cancelled, reorder_threshold, updated_at
		FROM inventory
		WHERE product_id = $1
	`, productID).Scan(&rec.ProductID, &rec.BaseQuantity, &rec.UnitsSold, &rec.UnitsCancelled, &rec.ReorderThreshold, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown product %d", productID)
	}
	if err != nil {
		return nil, wrapDBError("find inventory", err)
	}
	return rec, nil
}
