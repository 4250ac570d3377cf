package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventDraft  EventStatus = "DRAFT"
	EventOnSale EventStatus = "ONSALE"
	EventClosed EventStatus = "CLOSED"
)

type Event struct {
	ID         string          `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	TotalQty   int             `db:"total_qty" json:"total_qty"`
	SoldQty    int             `db:"sold_qty" json:"sold_qty"`
	MaxPerUser int             `db:"max_per_user" json:"max_per_user"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Status     EventStatus     `db:"status" json:"status"`
	StartsAt   time.Time       `db:"starts_at" json:"starts_at"`
	EndsAt     time.Time       `db:"ends_at" json:"ends_at"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Remaining is the inventory not yet consumed by settled orders.
func (e *Event) Remaining() int {
	return e.TotalQty - e.SoldQty
}
