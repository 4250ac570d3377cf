package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pocketbase/dbx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		total_qty    INTEGER NOT NULL,
		sold_qty     INTEGER NOT NULL DEFAULT 0,
		max_per_user INTEGER NOT NULL,
		price        NUMERIC(12, 2) NOT NULL,
		status       TEXT NOT NULL DEFAULT 'DRAFT',
		starts_at    TIMESTAMPTZ NOT NULL,
		ends_at      TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT events_sold_qty_range CHECK (sold_qty >= 0 AND sold_qty <= total_qty),
		CONSTRAINT events_status CHECK (status IN ('DRAFT', 'ONSALE', 'CLOSED'))
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		event_id        TEXT NOT NULL REFERENCES events (id),
		qty             INTEGER NOT NULL,
		status          TEXT NOT NULL,
		amount          NUMERIC(12, 2) NOT NULL,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT orders_qty_positive CHECK (qty > 0),
		CONSTRAINT orders_idempotency_key UNIQUE (idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS orders_user_event_idx ON orders (user_id, event_id, status)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id         TEXT PRIMARY KEY,
		order_id   TEXT NOT NULL REFERENCES orders (id),
		status     TEXT NOT NULL,
		method     TEXT NOT NULL DEFAULT '',
		amount     NUMERIC(12, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id, status)`,
	// At most one payment in flight per order.
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_one_pending_per_order ON payments (order_id) WHERE status = 'REQ'`,
}

// Migrate applies the ledger schema. Every statement is idempotent, so it is
// safe to run on each start.
func Migrate(ctx context.Context, db *dbx.DB) error {
	for i, stmt := range schema {
		if _, err := db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("apply schema step %d: %w", i+1, err)
		}
	}
	slog.Info("ledger schema applied", "statements", len(schema))
	return nil
}
