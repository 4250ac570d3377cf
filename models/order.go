package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderHold      OrderStatus = "HOLD"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderFail      OrderStatus = "FAIL"
)

type Order struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	EventID        string          `db:"event_id" json:"event_id"`
	Qty            int             `db:"qty" json:"qty"`
	Status         OrderStatus     `db:"status" json:"status"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// CreateOrderInput carries everything needed to turn an entered ticket into
// a HOLD order. Qty is validated by the caller.
type CreateOrderInput struct {
	UserID         string `json:"user_id"`
	EventID        string `json:"event_id"`
	Qty            int    `json:"qty"`
	GateToken      string `json:"gate_token"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
