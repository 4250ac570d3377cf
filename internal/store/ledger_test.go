package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashsale/internal/status"
	"flashsale/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	eventCols   = []string{"id", "name", "total_qty", "sold_qty", "max_per_user", "price", "status", "starts_at", "ends_at", "created_at", "updated_at"}
	orderCols   = []string{"id", "user_id", "event_id", "qty", "status", "amount", "idempotency_key", "created_at", "updated_at"}
	paymentCols = []string{"id", "order_id", "status", "method", "amount", "created_at", "updated_at"}
)

func setupTestLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewLedger(mock), mock
}

func TestLedger_InTx_CommitsOnSuccess(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM events WHERE id = \$1 FOR UPDATE`).
		WithArgs("event-1").
		WillReturnRows(pgxmock.NewRows(eventCols).
			AddRow("event-1", "Concert", 10, 3, 2, decimal.NewFromInt(1000), "ONSALE", now, now, now, now))
	mock.ExpectExec(`UPDATE events SET sold_qty = \$2`).
		WithArgs("event-1", 5, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		event, err := tx.GetEventForUpdate(context.Background(), "event-1")
		if err != nil {
			return err
		}
		assert.Equal(t, models.EventOnSale, event.Status)
		assert.Equal(t, 7, event.Remaining())
		assert.True(t, decimal.NewFromInt(1000).Equal(event.Price))
		return tx.UpdateEventSoldQty(context.Background(), "event-1", event.SoldQty+2, now)
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InTx_RollsBackOnError(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InTx_RollsBackOnPanic(t *testing.T) {
	ledger, mock := setupTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = ledger.InTx(context.Background(), func(tx LedgerTx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InTx_BeginFailure(t *testing.T) {
	ledger, mock := setupTestLedger(t)

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		t.Fatal("fn must not run without a transaction")
		return nil
	})

	assert.ErrorContains(t, err, "pool exhausted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_FindOrderByIdempotencyKey(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM orders WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows(orderCols).
			AddRow("order-1", "user-1", "event-1", 2, "HOLD", decimal.NewFromInt(2000), "key-1", now, now))

	order, err := ledger.FindOrderByIdempotencyKey(context.Background(), "key-1")

	require.NoError(t, err)
	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, models.OrderHold, order.Status)
	assert.Equal(t, "key-1", order.IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_FindOrderByIdempotencyKey_NotFound(t *testing.T) {
	ledger, mock := setupTestLedger(t)

	mock.ExpectQuery(`SELECT .* FROM orders WHERE idempotency_key = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(orderCols))

	order, err := ledger.FindOrderByIdempotencyKey(context.Background(), "missing")

	assert.Nil(t, order)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InsertOrder_DuplicateKeyIsConflict(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()
	order := &models.Order{
		ID: "order-1", UserID: "user-1", EventID: "event-1", Qty: 1,
		Status: models.OrderHold, Amount: decimal.NewFromInt(1000),
		IdempotencyKey: "key-1", CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs("order-1", "user-1", "event-1", 1, "HOLD", pgxmock.AnyArg(), "key-1", now, now).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "orders_idempotency_key"})
	mock.ExpectRollback()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		return tx.InsertOrder(context.Background(), order)
	})

	assert.ErrorIs(t, err, status.ErrConflict)
	assert.ErrorContains(t, err, "orders_idempotency_key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UpdateEventSoldQty_CheckViolation(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE events SET sold_qty`).
		WithArgs("event-1", 11, now).
		WillReturnError(&pgconn.PgError{Code: "23514", ConstraintName: "events_sold_qty_range"})
	mock.ExpectRollback()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		return tx.UpdateEventSoldQty(context.Background(), "event-1", 11, now)
	})

	assert.ErrorIs(t, err, status.ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_SumActiveQty(t *testing.T) {
	ledger, mock := setupTestLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(qty\), 0\)::int FROM orders`).
		WithArgs("user-1", "event-1").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(3))
	mock.ExpectCommit()

	var total int
	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		var err error
		total, err = tx.SumActiveQty(context.Background(), "user-1", "event-1")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_PaymentSettlementLocksInOrder(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(pgxmock.NewRows(paymentCols).
			AddRow("pay-1", "order-1", "REQ", "card", decimal.NewFromInt(2000), now, now))
	mock.ExpectQuery(`FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs("order-1").
		WillReturnRows(pgxmock.NewRows(orderCols).
			AddRow("order-1", "user-1", "event-1", 2, "HOLD", decimal.NewFromInt(2000), "", now, now))
	mock.ExpectExec(`UPDATE payments SET status = \$2`).
		WithArgs("pay-1", "OK", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE orders SET status = \$2`).
		WithArgs("order-1", "PAID", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		ctx := context.Background()
		payment, err := tx.GetPaymentForUpdate(ctx, "pay-1")
		if err != nil {
			return err
		}
		if _, err := tx.GetOrderForUpdate(ctx, payment.OrderID); err != nil {
			return err
		}
		if err := tx.UpdatePaymentStatus(ctx, payment.ID, models.PaymentOK, now); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, payment.OrderID, models.OrderPaid, now)
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UpdateOrderStatus_MissingRow(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status`).
		WithArgs("ghost", "PAID", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := ledger.InTx(context.Background(), func(tx LedgerTx) error {
		return tx.UpdateOrderStatus(context.Background(), "ghost", models.OrderPaid, now)
	})

	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_InsertAndDeletePayment(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()
	payment := &models.Payment{
		ID: "pay-1", OrderID: "order-1", Status: models.PaymentRequested,
		Method: "card", Amount: decimal.NewFromInt(2000), CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO payments`).
		WithArgs("pay-1", "order-1", "REQ", "card", pgxmock.AnyArg(), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM payments WHERE id = \$1`).
		WithArgs("pay-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, ledger.InsertPayment(context.Background(), payment))
	require.NoError(t, ledger.DeletePayment(context.Background(), "pay-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_FindPaymentByStatus(t *testing.T) {
	ledger, mock := setupTestLedger(t)
	now := time.Now()

	mock.ExpectQuery(`FROM payments WHERE order_id = \$1 AND status = \$2`).
		WithArgs("order-1", "OK").
		WillReturnRows(pgxmock.NewRows(paymentCols).
			AddRow("pay-1", "order-1", "OK", "card", decimal.NewFromInt(2000), now, now))

	payment, err := ledger.FindPaymentByStatus(context.Background(), "order-1", models.PaymentOK)

	require.NoError(t, err)
	assert.Equal(t, models.PaymentOK, payment.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
