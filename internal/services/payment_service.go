package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flashsale/internal/services/bank"
	"flashsale/internal/status"
	"flashsale/internal/store"
	"flashsale/models"
	"flashsale/monitoring"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PaymentLedger interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	FindPaymentByStatus(ctx context.Context, orderID string, s models.PaymentStatus) (*models.Payment, error)
	InsertPayment(ctx context.Context, p *models.Payment) error
	DeletePayment(ctx context.Context, paymentID string) error
	InTx(ctx context.Context, fn func(tx store.LedgerTx) error) error
}

// PaymentService requests payments for HOLD orders and settles the results
// the payment collaborator reports back.
type PaymentService struct {
	ledger  PaymentLedger
	gateway bank.PaymentGateway
	monitor *monitoring.Monitor
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

func NewPaymentService(ledger PaymentLedger, gateway bank.PaymentGateway, monitor *monitoring.Monitor) *PaymentService {
	return &PaymentService{
		ledger:  ledger,
		gateway: gateway,
		monitor: monitor,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreatePayment opens a REQ payment for the caller's HOLD order and sends it
// to the payment collaborator. A paid order returns its OK payment and an
// order with a request in flight returns that request.
func (s *PaymentService) CreatePayment(ctx context.Context, in models.CreatePaymentInput) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "payments.create", trace.WithAttributes(
		attribute.String("order.id", in.OrderID),
		attribute.String("payment.method", in.Method),
	))
	defer span.End()

	payment, err := s.createPayment(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", payment.ID))
	return payment, nil
}

func (s *PaymentService) createPayment(ctx context.Context, in models.CreatePaymentInput) (*models.Payment, error) {
	order, err := s.ledger.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != in.UserID {
		return nil, fmt.Errorf("order %s belongs to another user: %w", order.ID, status.ErrUnauthorized)
	}

	switch order.Status {
	case models.OrderPaid:
		paid, err := s.ledger.FindPaymentByStatus(ctx, order.ID, models.PaymentOK)
		if errors.Is(err, status.ErrNotFound) {
			return nil, fmt.Errorf("order %s is PAID without an OK payment: %w", order.ID, status.ErrInvalidState)
		}
		return paid, err
	case models.OrderHold:
	default:
		return nil, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, status.ErrInvalidState)
	}

	pending, err := s.ledger.FindPaymentByStatus(ctx, order.ID, models.PaymentRequested)
	if err == nil {
		return pending, nil
	}
	if !errors.Is(err, status.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	payment := &models.Payment{
		ID:        s.newID(),
		OrderID:   order.ID,
		Status:    models.PaymentRequested,
		Method:    in.Method,
		Amount:    order.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.InsertPayment(ctx, payment); err != nil {
		if errors.Is(err, status.ErrConflict) {
			// Another request for the same order won the insert.
			return s.ledger.FindPaymentByStatus(ctx, order.ID, models.PaymentRequested)
		}
		return nil, err
	}

	req := &bank.PaymentRequest{
		RequestID: s.newID(),
		PaymentID: payment.ID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    payment.Amount,
		Method:    payment.Method,
	}
	if err := s.gateway.RequestPayment(ctx, req); err != nil {
		if delErr := s.ledger.DeletePayment(ctx, payment.ID); delErr != nil {
			slog.Error("failed to delete undispatched payment", "error", delErr, "payment_id", payment.ID)
		}
		s.monitor.TrackSettlement("dispatch_failed")
		return nil, fmt.Errorf("payment %s: %w: %w", payment.ID, status.ErrDispatchFailed, err)
	}

	slog.Info("payment requested", "payment_id", payment.ID, "order_id", order.ID, "request_id", req.RequestID)
	return payment, nil
}

// CompletePayment applies a payment result. Results may arrive more than
// once; re-applying an OK result is a no-op. Rows are locked payment first,
// then order, then event.
func (s *PaymentService) CompletePayment(ctx context.Context, in models.CompletePaymentInput) (*models.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "payments.complete", trace.WithAttributes(
		attribute.String("payment.id", in.PaymentID),
		attribute.String("payment.status", string(in.Status)),
	))
	defer span.End()

	payment, err := s.completePayment(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.monitor.TrackSettlement("rejected")
		return nil, err
	}
	return payment, nil
}

func (s *PaymentService) completePayment(ctx context.Context, in models.CompletePaymentInput) (*models.Payment, error) {
	if in.Status != models.PaymentOK && in.Status != models.PaymentFail {
		return nil, fmt.Errorf("payment result status %q: %w", in.Status, status.ErrInvalidState)
	}

	var (
		payment *models.Payment
		outcome string
	)
	err := s.ledger.InTx(ctx, func(tx store.LedgerTx) error {
		var err error
		payment, err = tx.GetPaymentForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if in.OrderID != "" && in.OrderID != payment.OrderID {
			return fmt.Errorf("payment %s belongs to order %s, not %s: %w", payment.ID, payment.OrderID, in.OrderID, status.ErrInvalidState)
		}

		order, err := tx.GetOrderForUpdate(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if in.UserID != "" && in.UserID != order.UserID {
			return fmt.Errorf("order %s belongs to another user: %w", order.ID, status.ErrUnauthorized)
		}

		now := s.now()
		if in.Status == models.PaymentFail {
			outcome, err = failPayment(ctx, tx, payment, now)
			return err
		}
		outcome, err = settlePayment(ctx, tx, payment, order, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.monitor.TrackSettlement(outcome)
	slog.Info("payment completed", "payment_id", payment.ID, "order_id", payment.OrderID,
		"status", payment.Status, "outcome", outcome, "request_id", in.RequestID)
	return payment, nil
}

func settlePayment(ctx context.Context, tx store.LedgerTx, payment *models.Payment, order *models.Order, now time.Time) (string, error) {
	if payment.Status == models.PaymentOK {
		return "duplicate", nil
	}
	if order.Status != models.OrderHold && order.Status != models.OrderPaid {
		return "", fmt.Errorf("order %s is %s: %w", order.ID, order.Status, status.ErrInvalidState)
	}

	if err := tx.UpdatePaymentStatus(ctx, payment.ID, models.PaymentOK, now); err != nil {
		return "", err
	}
	payment.Status = models.PaymentOK
	payment.UpdatedAt = now

	if order.Status == models.OrderPaid {
		return "paid", nil
	}

	event, err := tx.GetEventForUpdate(ctx, order.EventID)
	if err != nil {
		return "", err
	}
	next := event.SoldQty + order.Qty
	if next > event.TotalQty {
		return "", fmt.Errorf("event %s would sell %d of %d: %w", event.ID, next, event.TotalQty, status.ErrCapacityExceeded)
	}

	if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderPaid, now); err != nil {
		return "", err
	}
	if err := tx.UpdateEventSoldQty(ctx, event.ID, next, now); err != nil {
		return "", err
	}
	return "paid", nil
}

// failPayment records a failed attempt. The order stays HOLD so the caller
// can retry payment.
func failPayment(ctx context.Context, tx store.LedgerTx, payment *models.Payment, now time.Time) (string, error) {
	switch payment.Status {
	case models.PaymentOK:
		return "", fmt.Errorf("payment %s already succeeded: %w", payment.ID, status.ErrInvalidState)
	case models.PaymentFail:
		return "duplicate", nil
	}

	if err := tx.UpdatePaymentStatus(ctx, payment.ID, models.PaymentFail, now); err != nil {
		return "", err
	}
	payment.Status = models.PaymentFail
	payment.UpdatedAt = now
	return "failed", nil
}
