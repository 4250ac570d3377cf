package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flashsale/models"
	"flashsale/monitoring"
	"flashsale/utils"

	"github.com/redis/go-redis/v9"
)

type PromotionConfig struct {
	ReadyCapacity int
	GateTokenTTL  time.Duration
	Interval      time.Duration
}

// promoteScript pops one ticket from the waiting set and makes it READY. The
// pop is conditional, so a ticket promoted by a redundant pass elsewhere is
// skipped. Returns the ticket owner's id, or nil when nothing was promoted.
//
// KEYS: waiting zset, ticket hash, ready set, gate key.
// ARGV: ticket id, gate token, expires-at ms, gate TTL ms.
const promoteScript = `
local state = redis.call('HGET', KEYS[2], 'state')
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return false
end
if state ~= 'QUEUED' then
	return false
end
redis.call('HSET', KEYS[2], 'state', 'READY', 'gate_token', ARGV[2], 'expires_at', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], ARGV[1], 'PX', ARGV[4])
return redis.call('HGET', KEYS[2], 'user_id')
`

// PromotionEngine periodically admits the earliest waiting tickets of every
// registered event into that event's capacity-bounded ready pool.
type PromotionEngine struct {
	Redis *redis.Client

	registry *EventRegistry
	leader   *LeaderElector
	notifier Notifier
	monitor  *monitoring.Monitor
	cfg      PromotionConfig
	now      func() time.Time
	newToken func() (string, error)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPromotionEngine builds an engine. leader may be nil, in which case every
// pass runs unconditionally.
func NewPromotionEngine(redisClient *redis.Client, registry *EventRegistry, leader *LeaderElector,
	notifier Notifier, monitor *monitoring.Monitor, cfg PromotionConfig) *PromotionEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &PromotionEngine{
		Redis:    redisClient,
		registry: registry,
		leader:   leader,
		notifier: notifier,
		monitor:  monitor,
		cfg:      cfg,
		now:      time.Now,
		newToken: utils.GenerateGateToken,
		stopChan: make(chan struct{}),
	}
}

func (e *PromotionEngine) Registry() *EventRegistry { return e.registry }

// Start launches the leader keep-alive and the promotion loop.
func (e *PromotionEngine) Start(ctx context.Context) {
	if e.leader != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.leader.Run(ctx, e.stopChan)
		}()
	}

	e.wg.Add(1)
	go e.loop(ctx)

	slog.Info("promotion engine started", "interval", e.cfg.Interval, "ready_capacity", e.cfg.ReadyCapacity)
}

func (e *PromotionEngine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.leader != nil && !e.leader.IsLeader() {
				continue
			}
			if _, err := e.PromoteTickets(ctx); err != nil {
				slog.Error("promotion pass failed", "error", err)
			}
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the loop, waits for an in-flight pass and gives up
// leadership.
func (e *PromotionEngine) Shutdown(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	if e.leader != nil {
		if err := e.leader.Release(ctx); err != nil {
			slog.Error("failed to release promotion leadership", "error", err)
		}
	}
	slog.Info("promotion engine stopped")
}

// PromoteTickets runs one pass over every registered event and returns how
// many tickets became READY. A failing event does not stop the others.
func (e *PromotionEngine) PromoteTickets(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { e.monitor.ObservePromotionPass(time.Since(start)) }()

	if err := e.registry.Sync(ctx); err != nil {
		slog.Warn("using local event registry", "error", err)
	}

	var (
		total int
		errs  []error
	)
	for _, eventID := range e.registry.List() {
		promoted, err := e.promoteEvent(ctx, eventID)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", eventID, err))
		}
		total += len(promoted)
		e.monitor.TrackPromotion(eventID, len(promoted))

		for _, ticket := range promoted {
			e.notifier.TicketReady(ctx, ticket)
		}
	}

	return total, errors.Join(errs...)
}

func (e *PromotionEngine) promoteEvent(ctx context.Context, eventID string) ([]*models.Ticket, error) {
	live, err := e.pruneReadyPool(ctx, eventID)
	if err != nil {
		return nil, err
	}

	available := e.cfg.ReadyCapacity - live
	if available <= 0 {
		return nil, nil
	}

	// Every evaluated candidate leaves the waiting set, so skipped stale
	// members are replaced from the next batch until the pool is full.
	promoted := make([]*models.Ticket, 0, available)
	for len(promoted) < available {
		want := available - len(promoted)
		candidates, err := e.Redis.ZRange(ctx, waitingKey(eventID), 0, int64(want-1)).Result()
		if err != nil {
			return promoted, fmt.Errorf("read waiting queue: %w", err)
		}

		for _, ticketID := range candidates {
			ticket, err := e.promoteTicket(ctx, eventID, ticketID)
			if err != nil {
				return promoted, err
			}
			if ticket != nil {
				promoted = append(promoted, ticket)
			}
		}

		if len(candidates) < want {
			break
		}
	}

	if len(promoted) > 0 {
		slog.Info("tickets promoted", "event_id", eventID, "count", len(promoted), "live_ready", live)
	}
	return promoted, nil
}

// promoteTicket runs the promotion script for one waiting ticket. It returns
// nil when the ticket was stale and only dropped from the waiting set.
func (e *PromotionEngine) promoteTicket(ctx context.Context, eventID, ticketID string) (*models.Ticket, error) {
	token, err := e.newToken()
	if err != nil {
		return nil, fmt.Errorf("mint gate token: %w", err)
	}
	ttl := e.cfg.GateTokenTTL
	expiresAt := e.now().Add(ttl)

	keys := []string{waitingKey(eventID), ticketKey(ticketID), readyKey(eventID), gateKey(token)}
	userID, err := e.Redis.Eval(ctx, promoteScript, keys, ticketID, token, expiresAt.UnixMilli(), ttl.Milliseconds()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote ticket %s: %w", ticketID, err)
	}

	return &models.Ticket{
		ID:        ticketID,
		UserID:    userID,
		EventID:   eventID,
		State:     models.TicketReady,
		GateToken: token,
		ExpiresAt: &expiresAt,
	}, nil
}

// pruneReadyPool drops ready-pool members that are gone, no longer READY or
// past their window, and returns how many live READY tickets remain.
func (e *PromotionEngine) pruneReadyPool(ctx context.Context, eventID string) (int, error) {
	members, err := e.Redis.SMembers(ctx, readyKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read ready pool: %w", err)
	}

	now := e.now()
	live := 0
	for _, ticketID := range members {
		fields, err := e.Redis.HGetAll(ctx, ticketKey(ticketID)).Result()
		if err != nil {
			return 0, fmt.Errorf("load ready ticket %s: %w", ticketID, err)
		}

		ticket := models.TicketFromHash(ticketID, fields)
		switch {
		case ticket == nil || ticket.State != models.TicketReady:
			if err := e.Redis.SRem(ctx, readyKey(eventID), ticketID).Err(); err != nil {
				return 0, fmt.Errorf("drop stale ready ticket %s: %w", ticketID, err)
			}
		case ticket.ExpiredAt(now):
			expired, err := expireTicket(ctx, e.Redis, ticket)
			if err != nil {
				return 0, err
			}
			if !expired {
				// Entered between our read and the script; its slot is already free.
				continue
			}
			e.monitor.TrackQueueOperation("expire", eventID, "success")
		default:
			live++
		}
	}
	return live, nil
}
