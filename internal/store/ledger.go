package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flashsale/internal/status"
	"flashsale/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the ledger needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerTx is the set of statements available inside one ledger
// transaction. Row locks are taken by the *ForUpdate methods and held until
// the transaction ends.
type LedgerTx interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetEventForUpdate(ctx context.Context, eventID string) (*models.Event, error)
	SumActiveQty(ctx context.Context, userID, eventID string) (int, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, s models.OrderStatus, at time.Time) error
	GetPaymentForUpdate(ctx context.Context, paymentID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, s models.PaymentStatus, at time.Time) error
	UpdateEventSoldQty(ctx context.Context, eventID string, soldQty int, at time.Time) error
}

type Ledger struct {
	db DB
}

func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

const (
	eventColumns   = `id, name, total_qty, sold_qty, max_per_user, price, status, starts_at, ends_at, created_at, updated_at`
	orderColumns   = `id, user_id, event_id, qty, status, amount, COALESCE(idempotency_key, ''), created_at, updated_at`
	paymentColumns = `id, order_id, status, method, amount, created_at, updated_at`
)

// InTx runs fn inside a single transaction. Any error returned by fn, or a
// panic, rolls the whole transaction back.
func (l *Ledger) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.Error("failed to roll back ledger tx", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", mapError(err))
	}
	return nil
}

func (l *Ledger) FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	row := l.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("order with idempotency key %q: %w", key, mapError(err))
	}
	return order, nil
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := l.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, mapError(err))
	}
	return order, nil
}

// FindPaymentByStatus returns the newest payment of the order in the given
// status.
func (l *Ledger) FindPaymentByStatus(ctx context.Context, orderID string, s models.PaymentStatus) (*models.Payment, error) {
	row := l.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		orderID, string(s))
	payment, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("%s payment for order %s: %w", s, orderID, mapError(err))
	}
	return payment, nil
}

func (l *Ledger) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO payments (id, order_id, status, method, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.OrderID, string(p.Status), p.Method, p.Amount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, mapError(err))
	}
	return nil
}

func (l *Ledger) DeletePayment(ctx context.Context, paymentID string) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM payments WHERE id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete payment %s: %w", paymentID, err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	event, err := scanEvent(t.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, eventID))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, mapError(err))
	}
	return event, nil
}

func (t *ledgerTx) GetEventForUpdate(ctx context.Context, eventID string) (*models.Event, error) {
	event, err := scanEvent(t.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, mapError(err))
	}
	return event, nil
}

// SumActiveQty totals the quantity of the user's HOLD and PAID orders for
// the event.
func (t *ledgerTx) SumActiveQty(ctx context.Context, userID, eventID string) (int, error) {
	var total int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty), 0)::int FROM orders
		 WHERE user_id = $1 AND event_id = $2 AND status IN ('HOLD', 'PAID')`,
		userID, eventID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active qty for user %s: %w", userID, err)
	}
	return total, nil
}

func (t *ledgerTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, event_id, qty, status, amount, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		o.ID, o.UserID, o.EventID, o.Qty, string(o.Status), o.Amount, o.IdempotencyKey, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, mapError(err))
	}
	return nil
}

func (t *ledgerTx) GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, mapError(err))
	}
	return order, nil
}

func (t *ledgerTx) UpdateOrderStatus(ctx context.Context, orderID string, s models.OrderStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(s), at)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %s: %w", orderID, status.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) GetPaymentForUpdate(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, mapError(err))
	}
	return payment, nil
}

func (t *ledgerTx) UpdatePaymentStatus(ctx context.Context, paymentID string, s models.PaymentStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`, paymentID, string(s), at)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", paymentID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payment %s: %w", paymentID, status.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) UpdateEventSoldQty(ctx context.Context, eventID string, soldQty int, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE events SET sold_qty = $2, updated_at = $3 WHERE id = $1`, eventID, soldQty, at)
	if err != nil {
		return fmt.Errorf("update sold qty of event %s: %w", eventID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update sold qty of event %s: %w", eventID, status.ErrNotFound)
	}
	return nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.Name, &e.TotalQty, &e.SoldQty, &e.MaxPerUser, &e.Price,
		&e.Status, &e.StartsAt, &e.EndsAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.UserID, &o.EventID, &o.Qty, &o.Status, &o.Amount,
		&o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Status, &p.Method, &p.Amount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// mapError translates driver errors into the status taxonomy.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return status.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", status.ErrConflict, pgErr.ConstraintName)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", status.ErrCapacityExceeded, pgErr.ConstraintName)
		}
	}
	return err
}
