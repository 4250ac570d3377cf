package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flashsale/internal/status"
	"flashsale/models"
	"flashsale/monitoring"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type QueueConfig struct {
	ReadyCapacity int
	GateTokenTTL  time.Duration
	CheckoutTTL   time.Duration
}

// QueueService owns the per-event waiting room and the gate-token lock that
// turns an entered ticket into an order attempt.
type QueueService struct {
	Redis *redis.Client

	registry *EventRegistry
	monitor  *monitoring.Monitor
	limiter  AdmissionLimiter
	cfg      QueueConfig
	now      func() time.Time
	newID    func() string
}

func NewQueueService(redisClient *redis.Client, registry *EventRegistry, monitor *monitoring.Monitor, cfg QueueConfig) *QueueService {
	return &QueueService{
		Redis:    redisClient,
		registry: registry,
		monitor:  monitor,
		cfg:      cfg,
		now:      time.Now,
		newID:    newTicketID,
	}
}

// newTicketID returns a time-ordered id so that tickets enqueued within the
// same millisecond keep their insertion order in the waiting set.
func newTicketID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// AdmissionLimiter throttles repeated enqueue attempts.
type AdmissionLimiter interface {
	Allow(ctx context.Context, scope, subject string) error
}

// SetLimiter installs a per-user enqueue throttle. Call it before serving.
func (s *QueueService) SetLimiter(limiter AdmissionLimiter) {
	s.limiter = limiter
}

var errTicketChanged = errors.New("ticket changed concurrently")

// expireScript moves a ticket to EXPIRED only if it is still in the state the
// caller observed, frees its ready slot and drops its gate pointer.
//
// KEYS: ticket hash, ready set, gate key. ARGV: expected state, ticket id.
const expireScript = `
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
redis.call('SREM', KEYS[2], ARGV[2])
if redis.call('GET', KEYS[3]) == ARGV[2] then
	redis.call('DEL', KEYS[3])
end
return 1
`

// Enqueue appends a new QUEUED ticket to the event's waiting set. Every call
// creates a distinct ticket.
func (s *QueueService) Enqueue(ctx context.Context, userID, eventID string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, "enqueue", userID); err != nil {
			s.monitor.TrackQueueOperation("enqueue", eventID, "throttled")
			return "", err
		}
	}

	ticketID := s.newID()
	now := s.now().UnixMilli()

	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ticketKey(ticketID), map[string]interface{}{
			models.FieldUserID:    userID,
			models.FieldEventID:   eventID,
			models.FieldState:     string(models.TicketQueued),
			models.FieldCreatedAt: now,
		})
		pipe.ZAdd(ctx, waitingKey(eventID), redis.Z{Score: float64(now), Member: ticketID})
		pipe.SAdd(ctx, eventsKey, eventID)
		return nil
	})
	if err != nil {
		s.monitor.TrackQueueOperation("enqueue", eventID, "error")
		return "", fmt.Errorf("enqueue user %s for event %s: %w", userID, eventID, err)
	}

	if s.registry != nil {
		s.registry.remember(eventID)
	}
	s.monitor.TrackQueueOperation("enqueue", eventID, "success")
	return ticketID, nil
}

// GetStatus reports where a ticket stands, expiring it first if its window
// has lapsed.
func (s *QueueService) GetStatus(ctx context.Context, ticketID string) (*models.TicketStatus, error) {
	ticket, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	ticket, err = s.refreshExpiration(ctx, ticket)
	if err != nil {
		return nil, err
	}

	st := &models.TicketStatus{
		TicketID: ticket.ID,
		EventID:  ticket.EventID,
		State:    ticket.State,
	}

	switch ticket.State {
	case models.TicketQueued:
		rank, err := s.Redis.ZRank(ctx, waitingKey(ticket.EventID), ticket.ID).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("rank of ticket %s: %w", ticket.ID, err)
		}
		if err == nil {
			st.Position = rank + 1
		}
	case models.TicketReady:
		st.GateToken = ticket.GateToken
		st.ExpiresAt = ticket.ExpiresAt
	case models.TicketUsed, models.TicketOrderPending:
		st.ExpiresAt = ticket.ExpiresAt
	case models.TicketOrdered:
		st.OrderID = ticket.OrderID
	}

	return st, nil
}

// Enter redeems a READY ticket's gate token and opens its checkout window.
func (s *QueueService) Enter(ctx context.Context, userID, ticketID, gateToken string) (*models.Ticket, error) {
	ticket, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket, err = s.refreshExpiration(ctx, ticket); err != nil {
		return nil, err
	}

	switch {
	case ticket.UserID != userID:
		return nil, fmt.Errorf("ticket %s belongs to another user: %w", ticketID, status.ErrUnauthorized)
	case ticket.State != models.TicketReady:
		return nil, fmt.Errorf("ticket %s is %s, not READY: %w", ticketID, ticket.State, status.ErrUnauthorized)
	case gateToken == "" || ticket.GateToken != gateToken:
		return nil, fmt.Errorf("gate token mismatch for ticket %s: %w", ticketID, status.ErrUnauthorized)
	}

	now := s.now()
	expiresAt := now.Add(s.cfg.CheckoutTTL)
	key := ticketKey(ticketID)

	err = s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current := models.TicketFromHash(ticketID, fields)
		if current == nil || current.State != models.TicketReady || current.GateToken != gateToken {
			return errTicketChanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				models.FieldState:     string(models.TicketUsed),
				models.FieldUsedAt:    now.UnixMilli(),
				models.FieldExpiresAt: expiresAt.UnixMilli(),
			})
			pipe.SRem(ctx, readyKey(current.EventID), ticketID)
			pipe.PExpire(ctx, gateKey(gateToken), s.cfg.CheckoutTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errTicketChanged) {
		s.monitor.TrackQueueOperation("enter", ticket.EventID, "conflict")
		return nil, fmt.Errorf("ticket %s changed while entering: %w", ticketID, status.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("enter ticket %s: %w", ticketID, err)
	}

	s.monitor.TrackQueueOperation("enter", ticket.EventID, "success")

	ticket.State = models.TicketUsed
	ticket.UsedAt = &now
	ticket.ExpiresAt = &expiresAt
	return ticket, nil
}

func (s *QueueService) QueueLength(ctx context.Context, eventID string) (int64, error) {
	return s.Redis.ZCard(ctx, waitingKey(eventID)).Result()
}

func (s *QueueService) ReadyCount(ctx context.Context, eventID string) (int64, error) {
	return s.Redis.SCard(ctx, readyKey(eventID)).Result()
}

func (s *QueueService) ReadyCapacity() int {
	return s.cfg.ReadyCapacity
}

func (s *QueueService) loadTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	fields, err := s.Redis.HGetAll(ctx, ticketKey(ticketID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	ticket := models.TicketFromHash(ticketID, fields)
	if ticket == nil {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, status.ErrNotFound)
	}
	return ticket, nil
}

// refreshExpiration lazily expires a ticket whose READY window passed or
// whose checkout gate pointer is gone.
func (s *QueueService) refreshExpiration(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error) {
	if !ticket.State.CanTransitionTo(models.TicketExpired) {
		return ticket, nil
	}

	if ticket.State == models.TicketReady {
		if !ticket.ExpiredAt(s.now()) {
			return ticket, nil
		}
	} else {
		ttl, err := s.Redis.PTTL(ctx, gateKey(ticket.GateToken)).Result()
		if err != nil {
			return nil, fmt.Errorf("gate ttl of ticket %s: %w", ticket.ID, err)
		}
		if ttl >= 0 {
			return ticket, nil
		}
	}

	expired, err := expireTicket(ctx, s.Redis, ticket)
	if err != nil {
		return nil, err
	}
	if !expired {
		// Someone else moved the ticket on; report what is stored now.
		return s.loadTicket(ctx, ticket.ID)
	}

	s.monitor.TrackQueueOperation("expire", ticket.EventID, "success")
	ticket.State = models.TicketExpired
	return ticket, nil
}

func expireTicket(ctx context.Context, rdb *redis.Client, ticket *models.Ticket) (bool, error) {
	keys := []string{ticketKey(ticket.ID), readyKey(ticket.EventID), gateKey(ticket.GateToken)}
	n, err := rdb.Eval(ctx, expireScript, keys, string(ticket.State), ticket.ID).Int()
	if err != nil {
		return false, fmt.Errorf("expire ticket %s: %w", ticket.ID, err)
	}
	if n == 1 {
		slog.Debug("ticket expired", "ticket_id", ticket.ID, "event_id", ticket.EventID, "from", ticket.State)
	}
	return n == 1, nil
}
