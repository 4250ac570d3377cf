package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flashsale/internal/status"
	"flashsale/internal/store"
	"flashsale/models"
	"flashsale/monitoring"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flashsale/services"

type OrderLedger interface {
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	InTx(ctx context.Context, fn func(tx store.LedgerTx) error) error
}

type OrderQueries interface {
	GetOrderForUser(ctx context.Context, orderID, userID string) (*models.Order, error)
	ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error)
}

// TicketLocker is the gate-token lock an order attempt runs under.
type TicketLocker interface {
	LockForOrder(ctx context.Context, gateToken, userID, eventID string) (string, error)
	MarkOrderSuccess(ctx context.Context, ticketID, orderID string) error
	ReleaseOrderLock(ctx context.Context, ticketID string) error
}

type OrderService struct {
	ledger  OrderLedger
	queries OrderQueries
	locker  TicketLocker
	monitor *monitoring.Monitor
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

func NewOrderService(ledger OrderLedger, queries OrderQueries, locker TicketLocker, monitor *monitoring.Monitor) *OrderService {
	return &OrderService{
		ledger:  ledger,
		queries: queries,
		locker:  locker,
		monitor: monitor,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreateOrder turns an entered ticket into a HOLD order. A request carrying
// an idempotency key that was already used returns the existing order
// without touching the ticket or the inventory.
func (s *OrderService) CreateOrder(ctx context.Context, in models.CreateOrderInput) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("event.id", in.EventID),
		attribute.Int("order.qty", in.Qty),
	))
	defer span.End()

	order, err := s.createOrder(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.monitor.TrackOrder(orderOutcome(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	return order, nil
}

func (s *OrderService) createOrder(ctx context.Context, in models.CreateOrderInput) (*models.Order, error) {
	if in.IdempotencyKey != "" {
		existing, err := s.ledger.FindOrderByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			s.monitor.TrackOrder("replayed")
			return existing, nil
		}
		if !errors.Is(err, status.ErrNotFound) {
			return nil, err
		}
	}

	ticketID, err := s.locker.LockForOrder(ctx, in.GateToken, in.UserID, in.EventID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:             s.newID(),
		UserID:         in.UserID,
		EventID:        in.EventID,
		Qty:            in.Qty,
		Status:         models.OrderHold,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.ledger.InTx(ctx, func(tx store.LedgerTx) error {
		event, err := tx.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if event.Status != models.EventOnSale {
			return fmt.Errorf("event %s is %s: %w", event.ID, event.Status, status.ErrInvalidState)
		}
		if in.Qty > event.Remaining() {
			return fmt.Errorf("event %s has %d left, asked for %d: %w", event.ID, event.Remaining(), in.Qty, status.ErrCapacityExceeded)
		}

		held, err := tx.SumActiveQty(ctx, in.UserID, in.EventID)
		if err != nil {
			return err
		}
		if held+in.Qty > event.MaxPerUser {
			return fmt.Errorf("user %s holds %d of max %d: %w", in.UserID, held, event.MaxPerUser, status.ErrCapacityExceeded)
		}

		order.Amount = event.Price.Mul(decimal.NewFromInt(int64(in.Qty)))
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		if relErr := s.locker.ReleaseOrderLock(ctx, ticketID); relErr != nil {
			slog.Error("failed to release order lock", "error", relErr, "ticket_id", ticketID)
		}
		return nil, err
	}

	if err := s.locker.MarkOrderSuccess(ctx, ticketID, order.ID); err != nil {
		slog.Error("order created but ticket not marked ordered", "error", err,
			"ticket_id", ticketID, "order_id", order.ID)
	}

	s.monitor.TrackOrder("created")
	slog.Info("order created", "order_id", order.ID, "event_id", order.EventID, "user_id", order.UserID, "qty", order.Qty)
	return order, nil
}

func (s *OrderService) GetOrderForUser(ctx context.Context, orderID, userID string) (*models.Order, error) {
	return s.queries.GetOrderForUser(ctx, orderID, userID)
}

func (s *OrderService) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.queries.ListOrdersForUser(ctx, userID)
}

func orderOutcome(err error) string {
	switch {
	case errors.Is(err, status.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, status.ErrConflict):
		return "conflict"
	case errors.Is(err, status.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, status.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, status.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
