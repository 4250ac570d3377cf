package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentRequested PaymentStatus = "REQ"
	PaymentOK        PaymentStatus = "OK"
	PaymentFail      PaymentStatus = "FAIL"
)

type Payment struct {
	ID        string          `db:"id" json:"payment_id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	Status    PaymentStatus   `db:"status" json:"status"`
	Method    string          `db:"method" json:"method"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

type CreatePaymentInput struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Method  string `json:"method"`
}

// CompletePaymentInput is the settlement outcome reported by the payment
// collaborator. UserID is optional.
type CompletePaymentInput struct {
	RequestID   string        `json:"request_id"`
	PaymentID   string        `json:"payment_id"`
	OrderID     string        `json:"order_id"`
	UserID      string        `json:"user_id,omitempty"`
	Status      PaymentStatus `json:"status"`
	ProcessedAt time.Time     `json:"processed_at"`
	Message     string        `json:"message,omitempty"`
}
