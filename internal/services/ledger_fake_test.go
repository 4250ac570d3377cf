package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flashsale/internal/services/bank"
	"flashsale/internal/status"
	"flashsale/internal/store"
	"flashsale/models"

	"github.com/shopspring/decimal"
)

// memLedger is an in-memory ledger. Transactions run one at a time and a
// failed transaction restores the state it started from.
type memLedger struct {
	mu       sync.Mutex
	events   map[string]models.Event
	orders   map[string]models.Order
	payments map[string]models.Payment
}

func newMemLedger() *memLedger {
	return &memLedger{
		events:   make(map[string]models.Event),
		orders:   make(map[string]models.Order),
		payments: make(map[string]models.Payment),
	}
}

func (l *memLedger) addEvent(id string, totalQty, maxPerUser int, price int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[id] = models.Event{
		ID:         id,
		Name:       "Event " + id,
		TotalQty:   totalQty,
		MaxPerUser: maxPerUser,
		Price:      decimal.NewFromInt(price),
		Status:     models.EventOnSale,
	}
}

func (l *memLedger) putOrder(o models.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
}

func (l *memLedger) putPayment(p models.Payment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[p.ID] = p
}

func (l *memLedger) event(id string) models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[id]
}

func (l *memLedger) order(id string) models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[id]
}

func (l *memLedger) payment(id string) (models.Payment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	return p, ok
}

func (l *memLedger) orderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

func (l *memLedger) InTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := cloneMap(l.events)
	orders := cloneMap(l.orders)
	payments := cloneMap(l.payments)

	if err := fn(memTx{l}); err != nil {
		l.events, l.orders, l.payments = events, orders, payments
		return err
	}
	return nil
}

func (l *memLedger) FindOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.orders {
		if o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order with key %q: %w", key, status.ErrNotFound)
}

func (l *memLedger) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, status.ErrNotFound)
	}
	return &o, nil
}

func (l *memLedger) FindPaymentByStatus(_ context.Context, orderID string, s models.PaymentStatus) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *models.Payment
	for _, p := range l.payments {
		if p.OrderID != orderID || p.Status != s {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%s payment for order %s: %w", s, orderID, status.ErrNotFound)
	}
	return found, nil
}

func (l *memLedger) InsertPayment(_ context.Context, p *models.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Status == models.PaymentRequested {
		for _, existing := range l.payments {
			if existing.OrderID == p.OrderID && existing.Status == models.PaymentRequested {
				return fmt.Errorf("insert payment %s: %w", p.ID, status.ErrConflict)
			}
		}
	}
	l.payments[p.ID] = *p
	return nil
}

func (l *memLedger) DeletePayment(_ context.Context, paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.payments, paymentID)
	return nil
}

// memTx runs with the ledger mutex already held.
type memTx struct {
	l *memLedger
}

func (t memTx) GetEvent(_ context.Context, eventID string) (*models.Event, error) {
	e, ok := t.l.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}
	return &e, nil
}

func (t memTx) GetEventForUpdate(ctx context.Context, eventID string) (*models.Event, error) {
	return t.GetEvent(ctx, eventID)
}

func (t memTx) SumActiveQty(_ context.Context, userID, eventID string) (int, error) {
	total := 0
	for _, o := range t.l.orders {
		if o.UserID == userID && o.EventID == eventID &&
			(o.Status == models.OrderHold || o.Status == models.OrderPaid) {
			total += o.Qty
		}
	}
	return total, nil
}

func (t memTx) InsertOrder(_ context.Context, o *models.Order) error {
	if o.IdempotencyKey != "" {
		for _, existing := range t.l.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return fmt.Errorf("insert order %s: %w", o.ID, status.ErrConflict)
			}
		}
	}
	t.l.orders[o.ID] = *o
	return nil
}

func (t memTx) GetOrderForUpdate(_ context.Context, orderID string) (*models.Order, error) {
	o, ok := t.l.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, status.ErrNotFound)
	}
	return &o, nil
}

func (t memTx) UpdateOrderStatus(_ context.Context, orderID string, s models.OrderStatus, at time.Time) error {
	o, ok := t.l.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, status.ErrNotFound)
	}
	o.Status, o.UpdatedAt = s, at
	t.l.orders[orderID] = o
	return nil
}

func (t memTx) GetPaymentForUpdate(_ context.Context, paymentID string) (*models.Payment, error) {
	p, ok := t.l.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", paymentID, status.ErrNotFound)
	}
	return &p, nil
}

func (t memTx) UpdatePaymentStatus(_ context.Context, paymentID string, s models.PaymentStatus, at time.Time) error {
	p, ok := t.l.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s: %w", paymentID, status.ErrNotFound)
	}
	p.Status, p.UpdatedAt = s, at
	t.l.payments[paymentID] = p
	return nil
}

func (t memTx) UpdateEventSoldQty(_ context.Context, eventID string, soldQty int, at time.Time) error {
	e, ok := t.l.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
	}
	if soldQty < 0 || soldQty > e.TotalQty {
		return fmt.Errorf("events_sold_qty_check: %w", status.ErrCapacityExceeded)
	}
	e.SoldQty, e.UpdatedAt = soldQty, at
	t.l.events[eventID] = e
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fakeGateway records payment requests.
type fakeGateway struct {
	mu       sync.Mutex
	err      error
	requests []*bank.PaymentRequest
}

func (g *fakeGateway) RequestPayment(_ context.Context, req *bank.PaymentRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.requests = append(g.requests, req)
	return nil
}

func (g *fakeGateway) Close() error { return nil }

// fakeLocker stands in for the gate-token lock.
type fakeLocker struct {
	mu       sync.Mutex
	lockErr  error
	locks    int
	released []string
	marked   map[string]string
}

func (f *fakeLocker) LockForOrder(_ context.Context, gateToken, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return "", f.lockErr
	}
	f.locks++
	return "ticket-" + gateToken, nil
}

func (f *fakeLocker) MarkOrderSuccess(_ context.Context, ticketID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = make(map[string]string)
	}
	f.marked[ticketID] = orderID
	return nil
}

func (f *fakeLocker) ReleaseOrderLock(_ context.Context, ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ticketID)
	return nil
}
