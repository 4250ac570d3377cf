package bank

import (
	"context"

	"flashsale/models"

	"github.com/shopspring/decimal"
)

// PaymentRequest is sent to the payment collaborator for every new REQ
// payment.
type PaymentRequest struct {
	RequestID string          `json:"request_id"`
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
}

// PaymentResult is the collaborator's asynchronous answer. It may be
// delivered more than once.
type PaymentResult = models.CompletePaymentInput

// PaymentGateway hands payment requests to the payment collaborator.
type PaymentGateway interface {
	// RequestPayment returns once the request is durably accepted for
	// delivery. It does not wait for the payment outcome.
	RequestPayment(ctx context.Context, req *PaymentRequest) error

	Close() error
}

// ResultHandler settles one payment result.
type ResultHandler func(ctx context.Context, result PaymentResult) error
