package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EventRegistry tracks which events have a queue worth scanning. It is
// mirrored in Redis so that every instance sees events enqueued elsewhere.
// Entries are never removed.
type EventRegistry struct {
	redis *redis.Client

	mu     sync.RWMutex
	events map[string]struct{}
}

func NewEventRegistry(redisClient *redis.Client) *EventRegistry {
	return &EventRegistry{
		redis:  redisClient,
		events: make(map[string]struct{}),
	}
}

// Add records eventID locally and in Redis.
func (r *EventRegistry) Add(ctx context.Context, eventID string) error {
	r.remember(eventID)
	if err := r.redis.SAdd(ctx, eventsKey, eventID).Err(); err != nil {
		return fmt.Errorf("register event %s: %w", eventID, err)
	}
	return nil
}

// Sync merges the events other instances registered.
func (r *EventRegistry) Sync(ctx context.Context) error {
	members, err := r.redis.SMembers(ctx, eventsKey).Result()
	if err != nil {
		return fmt.Errorf("load registered events: %w", err)
	}
	for _, id := range members {
		r.remember(id)
	}
	return nil
}

func (r *EventRegistry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *EventRegistry) remember(eventID string) {
	r.mu.RLock()
	_, ok := r.events[eventID]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.mu.Lock()
	r.events[eventID] = struct{}{}
	r.mu.Unlock()
}
