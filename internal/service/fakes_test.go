package service

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/shoplite/fulfillment/common/errors"
	"github.com/shoplite/fulfillment/internal/domain"
	"github.com/shoplite/fulfillment/internal/repository"
)

// fakeStore is an in-memory repository.Store. The mutex stands in for the
// row locks Postgres provides: WithinTx holds it for the whole unit of work,
// so concurrent units serialize exactly like contending transactions.
type fakeStore struct {
	mu          sync.Mutex
	orders      map[int64]*domain.Order
	inventory   map[int64]*domain.InventoryRecord
	outbox      []*repository.OutboxEvent
	nextOrderID int64
	nextLineID  int64

	// forceVersionMismatch makes the next status update report a lost race.
	forceVersionMismatch bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[int64]*domain.Order),
		inventory: make(map[int64]*domain.InventoryRecord),
	}
}

func (s *fakeStore) seedInventory(productID int64, base, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[productID] = &domain.InventoryRecord{
		ProductID:        productID,
		BaseQuantity:     base,
		ReorderThreshold: threshold,
	}
}

func (s *fakeStore) available(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory[productID].Available()
}

func (s *fakeStore) eventTypes(orderID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.outbox {
		if e.AggregateID == orderID {
			types = append(types, e.EventType)
		}
	}
	return types
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Lines = append([]domain.OrderLine(nil), o.Lines...)
	if o.Cancellation != nil {
		rec := *o.Cancellation
		c.Cancellation = &rec
	}
	if o.Refund != nil {
		rec := *o.Refund
		c.Refund = &rec
	}
	return &c
}

type storeSnapshot struct {
	orders    map[int64]*domain.Order
	inventory map[int64]*domain.InventoryRecord
	outboxLen int
}

func (s *fakeStore) snapshot() storeSnapshot {
	snap := storeSnapshot{
		orders:    make(map[int64]*domain.Order, len(s.orders)),
		inventory: make(map[int64]*domain.InventoryRecord, len(s.inventory)),
		outboxLen: len(s.outbox),
	}
	for id, o := range s.orders {
		snap.orders[id] = cloneOrder(o)
	}
	for id, r := range s.inventory {
		rec := *r
		snap.inventory[id] = &rec
	}
	return snap
}

func (s *fakeStore) restore(snap storeSnapshot) {
	s.orders = snap.orders
	s.inventory = snap.inventory
	s.outbox = s.outbox[:snap.outboxLen]
}

// WithinTx serializes units of work and rolls state back when fn fails,
// mirroring the transactional contract of the Postgres store.
func (s *fakeStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&fakeTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *fakeStore) FindOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
	}
	return cloneOrder(order), nil
}

func (s *fakeStore) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.IdempotencyKey == key {
			return cloneOrder(order), nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
}

func (s *fakeStore) ExpiredAwaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, order := range s.orders {
		if order.Status == domain.StatusAwaitingPayment && !order.PlacedAt.After(cutoff) {
			ids = append(ids, order.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) FindInventory(ctx context.Context, productID int64) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inventory[productID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown product %d", productID)
	}
	r := *rec
	return &r, nil
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) GetOrderForUpdate(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, ok := t.s.orders[orderID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeOrderNotFound, "order not found")
	}
	return cloneOrder(order), nil
}

func (t *fakeTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	order.Version = 1
	for i := range order.Lines {
		t.s.nextLineID++
		order.Lines[i].ID = t.s.nextLineID
		order.Lines[i].OrderID = order.ID
	}
	t.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *fakeTx) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, version int64) (bool, error) {
	if t.s.forceVersionMismatch {
		t.s.forceVersionMismatch = false
		return false, nil
	}
	order, ok := t.s.orders[orderID]
	if !ok || order.Version != version {
		return false, nil
	}
	order.Status = status
	order.Version++
	return true, nil
}

func (t *fakeTx) SetPaymentProof(ctx context.Context, orderID int64, proofRef string) error {
	t.s.orders[orderID].PaymentProofRef = proofRef
	return nil
}

func (t *fakeTx) SetShipment(ctx context.Context, orderID int64, carrier, trackingNumber string, shippedAt time.Time) error {
	order := t.s.orders[orderID]
	order.Carrier = carrier
	order.TrackingNumber = trackingNumber
	order.ShippedAt = &shippedAt
	return nil
}

func (t *fakeTx) InsertCancellation(ctx context.Context, rec *domain.CancellationRecord) error {
	r := *rec
	t.s.orders[rec.OrderID].Cancellation = &r
	return nil
}

func (t *fakeTx) InsertRefund(ctx context.Context, rec *domain.RefundRecord) error {
	r := *rec
	t.s.orders[rec.OrderID].Refund = &r
	return nil
}

func (t *fakeTx) ReserveStock(ctx context.Context, lines []domain.OrderLine) error {
	need := make(map[int64]int)
	for _, l := range lines {
		need[l.ProductID] += l.Quantity
	}
	for productID, qty := range need {
		rec, ok := t.s.inventory[productID]
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeInvalidOrder, "unknown product %d", productID)
		}
		if rec.Available() < qty {
			return apperrors.Newf(apperrors.ErrCodeInsufficientStock,
				"product %d: %d available, %d requested", productID, rec.Available(), qty)
		}
	}
	for productID, qty := range need {
		t.s.inventory[productID].UnitsSold += qty
	}
	return nil
}

func (t *fakeTx) ReleaseStock(ctx context.Context, lines []domain.OrderLine) error {
	for _, l := range lines {
		if rec, ok := t.s.inventory[l.ProductID]; ok {
			rec.UnitsCancelled += l.Quantity
		}
	}
	return nil
}

func (t *fakeTx) AppendOutbox(ctx context.Context, event *repository.OutboxEvent) error {
	event.ID = int64(len(t.s.outbox) + 1)
	t.s.outbox = append(t.s.outbox, event)
	return nil
}
