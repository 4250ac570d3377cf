package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flashsale/internal/status"
	"flashsale/models"

	"github.com/pocketbase/dbx"
)

// Queries serves read-only lookups that never take part in a ledger
// transaction.
type Queries struct {
	db *dbx.DB
}

func NewQueries(db *dbx.DB) *Queries {
	return &Queries{db: db}
}

const orderSelect = `SELECT id, user_id, event_id, qty, status, amount,
	COALESCE(idempotency_key, '') AS idempotency_key, created_at, updated_at FROM orders`

func (q *Queries) GetOrderForUser(ctx context.Context, orderID, userID string) (*models.Order, error) {
	var order models.Order
	err := q.db.NewQuery(orderSelect+` WHERE id = {:id} AND user_id = {:user_id}`).
		Bind(dbx.Params{"id": orderID, "user_id": userID}).
		WithContext(ctx).
		One(&order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, status.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &order, nil
}

func (q *Queries) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	orders := []models.Order{}
	err := q.db.NewQuery(orderSelect+` WHERE user_id = {:user_id} ORDER BY created_at DESC`).
		Bind(dbx.Params{"user_id": userID}).
		WithContext(ctx).
		All(&orders)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %s: %w", userID, err)
	}
	return orders, nil
}

// ListOnSaleEvents returns every event currently accepting orders.
func (q *Queries) ListOnSaleEvents(ctx context.Context) ([]models.Event, error) {
	events := []models.Event{}
	err := q.db.NewQuery(`SELECT id, name, total_qty, sold_qty, max_per_user, price, status,
		starts_at, ends_at, created_at, updated_at FROM events WHERE status = {:status} ORDER BY starts_at`).
		Bind(dbx.Params{"status": string(models.EventOnSale)}).
		WithContext(ctx).
		All(&events)
	if err != nil {
		return nil, fmt.Errorf("list on-sale events: %w", err)
	}
	return events, nil
}
