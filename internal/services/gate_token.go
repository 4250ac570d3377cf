package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"flashsale/internal/status"
	"flashsale/models"

	"github.com/redis/go-redis/v9"
)

const ticketUpdateRetries = 3

// LockForOrder claims an entered ticket for one order attempt. Of several
// concurrent callers holding the same gate token at most one succeeds; the
// rest see a failed WATCH and get ErrUnauthorized.
func (s *QueueService) LockForOrder(ctx context.Context, gateToken, userID, eventID string) (string, error) {
	ticketID, err := s.Redis.Get(ctx, gateKey(gateToken)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("unknown or expired gate token: %w", status.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("resolve gate token: %w", err)
	}

	key := ticketKey(ticketID)
	lockedAt := s.now().UnixMilli()

	err = s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		ticket := models.TicketFromHash(ticketID, fields)
		switch {
		case ticket == nil:
			return fmt.Errorf("ticket %s: %w", ticketID, status.ErrUnauthorized)
		case ticket.UserID != userID:
			return fmt.Errorf("ticket %s belongs to another user: %w", ticketID, status.ErrUnauthorized)
		case ticket.EventID != eventID:
			return fmt.Errorf("ticket %s is for another event: %w", ticketID, status.ErrUnauthorized)
		case ticket.GateToken != gateToken:
			return fmt.Errorf("gate token mismatch for ticket %s: %w", ticketID, status.ErrUnauthorized)
		case ticket.State == models.TicketOrderPending || ticket.Locked:
			return fmt.Errorf("ticket %s already locked: %w: %w", ticketID, status.ErrUnauthorized, status.ErrConflict)
		case !ticket.State.CanTransitionTo(models.TicketOrderPending):
			return fmt.Errorf("ticket %s is %s, not entered: %w", ticketID, ticket.State, status.ErrUnauthorized)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				models.FieldState:    string(models.TicketOrderPending),
				models.FieldLockedAt: lockedAt,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		s.monitor.TrackQueueOperation("lock", eventID, "conflict")
		return "", fmt.Errorf("ticket %s locked concurrently: %w", ticketID, status.ErrUnauthorized)
	}
	if err != nil {
		s.monitor.TrackQueueOperation("lock", eventID, "rejected")
		return "", err
	}

	s.monitor.TrackQueueOperation("lock", eventID, "success")
	return ticketID, nil
}

// MarkOrderSuccess makes the lock permanent: the ticket becomes ORDERED with
// the order id and its gate token stops resolving.
func (s *QueueService) MarkOrderSuccess(ctx context.Context, ticketID, orderID string) error {
	return s.updateLockedTicket(ctx, ticketID, func(tx *redis.Tx, ticket *models.Ticket) error {
		if !ticket.State.CanTransitionTo(models.TicketOrdered) {
			return fmt.Errorf("ticket %s is %s, not ORDER_PENDING: %w", ticketID, ticket.State, status.ErrInvalidState)
		}

		key := ticketKey(ticketID)
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				models.FieldState:   string(models.TicketOrdered),
				models.FieldOrderID: orderID,
			})
			pipe.HDel(ctx, key, models.FieldLockedAt)
			pipe.Del(ctx, gateKey(ticket.GateToken))
			return nil
		})
		return err
	})
}

// ReleaseOrderLock hands an ORDER_PENDING ticket back to USED so the holder
// can retry. Any other state is left alone.
func (s *QueueService) ReleaseOrderLock(ctx context.Context, ticketID string) error {
	return s.updateLockedTicket(ctx, ticketID, func(tx *redis.Tx, ticket *models.Ticket) error {
		if ticket.State != models.TicketOrderPending {
			slog.Debug("no order lock to release", "ticket_id", ticketID, "state", ticket.State)
			return nil
		}

		key := ticketKey(ticketID)
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, models.FieldState, string(models.TicketUsed))
			pipe.HDel(ctx, key, models.FieldLockedAt)
			return nil
		})
		return err
	})
}

// updateLockedTicket runs fn under WATCH on the ticket hash, retrying when a
// concurrent writer (such as lazy expiry) touched the ticket first.
func (s *QueueService) updateLockedTicket(ctx context.Context, ticketID string, fn func(tx *redis.Tx, ticket *models.Ticket) error) error {
	key := ticketKey(ticketID)

	for attempt := 0; attempt < ticketUpdateRetries; attempt++ {
		err := s.Redis.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			ticket := models.TicketFromHash(ticketID, fields)
			if ticket == nil {
				return fmt.Errorf("ticket %s: %w", ticketID, status.ErrNotFound)
			}
			return fn(tx, ticket)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("ticket %s kept changing: %w", ticketID, status.ErrConflict)
}
