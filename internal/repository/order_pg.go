package repository

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/internal/domain"
)

// pgTx implements Tx on an open *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error) {
	// FOR UPDATE serializes transitions per order: the second of two
	// concurrent transitions blocks here and then sees the winner's state.
	order, err := scanOrder(t.tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
	}
	if err != nil {
		return nil, wrapDBError("lock order", err)
	}

	if err := loadLines(ctx, t.tx, order); err != nil {
		return nil, err
	}
	if err := loadRecords(ctx, t.tx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	var key sql.NullString
	if order.IdempotencyKey != "" {
		key = sql.NullString{String: order.IdempotencyKey, Valid: true}
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			customer_id, status, payment_type, total,
			ship_recipient, ship_phone, ship_line1, ship_line2, ship_city, ship_postcode,
			correlation_id, idempotency_key, placed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, version
	`,
		order.CustomerID, order.Status, order.PaymentType, order.Total,
		order.ShippingAddress.Recipient, order.ShippingAddress.Phone,
		order.ShippingAddress.Line1, order.ShippingAddress.Line2,
		order.ShippingAddress.City, order.ShippingAddress.PostCode,
		order.CorrelationID, key, order.PlacedAt, order.UpdatedAt,
	).Scan(&order.ID, &order.Version)
	if err != nil {
		return wrapDBError("create order", err)
	}

	for i := range order.Lines {
		l := &order.Lines[i]
		l.OrderID = order.ID
		var discount sql.NullInt64
		if l.UnitDiscountPrice != nil {
			discount = sql.NullInt64{Int64: *l.UnitDiscountPrice, Valid: true}
		}
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, unit_price, unit_cost, unit_discount_price)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, l.OrderID, l.ProductID, l.Quantity, l.UnitPrice, l.UnitCost, discount).Scan(&l.ID)
		if err != nil {
			return wrapDBError("create order line", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, version int64) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, status, orderID, version)
	if err != nil {
		return false, wrapDBError("update order status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapDBError("update order status", err)
	}
	return rowsAffected > 0, nil
}

func (t *pgTx) SetPaymentProof(ctx context.Context, orderID int64, proofRef string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_proof_ref = $1, updated_at = NOW()
		WHERE id = $2
	`, proofRef, orderID)
	return wrapDBError("set payment proof", err)
}

func (t *pgTx) SetShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, shippedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET carrier = $1, tracking_number = $2, shipped_at = $3, updated_at = NOW()
		WHERE id = $4
	`, carrier, trackingNumber, shippedAt, orderID)
	return wrapDBError("set shipment", err)
}

func (t *pgTx) InsertCancellation(ctx context.Context, rec *domain.CancellationRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_cancellations (order_id, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, rec.OrderID, rec.Reason, rec.ActorID, rec.CreatedAt)
	return wrapDBError("insert cancellation record", err)
}

func (t *pgTx) InsertRefund(ctx context.Context, rec *domain.RefundRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_refunds (order_id, reason, actor_id, proof_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.OrderID, rec.Reason, rec.ActorID, rec.ProofRef, rec.CreatedAt)
	return wrapDBError("insert refund record", err)
}
