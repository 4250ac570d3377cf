package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"flashsale/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type recordingNotifier struct {
	mu      sync.Mutex
	tickets []*models.Ticket
}

func (n *recordingNotifier) TicketReady(_ context.Context, ticket *models.Ticket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tickets = append(n.tickets, ticket)
}

func (n *recordingNotifier) Tokens() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	tokens := make(map[string]string, len(n.tickets))
	for _, t := range n.tickets {
		tokens[t.ID] = t.GateToken
	}
	return tokens
}

// admission bundles a queue and a promotion engine over one miniredis.
type admission struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	clock    *testClock
	queue    *QueueService
	engine   *PromotionEngine
	notifier *recordingNotifier
}

func newAdmission(t *testing.T, capacity int) *admission {
	t.Helper()
	mr, client := newTestRedis(t)
	clock := newTestClock()
	registry := NewEventRegistry(client)
	notifier := &recordingNotifier{}

	queue := NewQueueService(client, registry, nil, QueueConfig{
		ReadyCapacity: capacity,
		GateTokenTTL:  time.Minute,
		CheckoutTTL:   2 * time.Minute,
	})
	queue.now = clock.Now

	engine := NewPromotionEngine(client, registry, nil, notifier, nil, PromotionConfig{
		ReadyCapacity: capacity,
		GateTokenTTL:  time.Minute,
		Interval:      10 * time.Millisecond,
	})
	engine.now = clock.Now

	return &admission{mr: mr, client: client, clock: clock, queue: queue, engine: engine, notifier: notifier}
}

// enqueue adds one ticket per user, one millisecond apart.
func (a *admission) enqueue(t *testing.T, eventID string, users ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(users))
	for _, u := range users {
		id, err := a.queue.Enqueue(context.Background(), u, eventID)
		if err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
		ids = append(ids, id)
		a.clock.Advance(time.Millisecond)
	}
	return ids
}

// admit enqueues user, promotes and enters, returning the ticket id and the
// gate token ready for locking.
func (a *admission) admit(t *testing.T, userID, eventID string) (string, string) {
	t.Helper()
	ctx := context.Background()
	ticketID := a.enqueue(t, eventID, userID)[0]

	if _, err := a.engine.PromoteTickets(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	st, err := a.queue.GetStatus(ctx, ticketID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != models.TicketReady {
		t.Fatalf("ticket %s is %s, want READY", ticketID, st.State)
	}
	if _, err := a.queue.Enter(ctx, userID, ticketID, st.GateToken); err != nil {
		t.Fatalf("enter: %v", err)
	}
	return ticketID, st.GateToken
}
