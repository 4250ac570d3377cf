package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"flashsale/monitoring"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only for its current owner.
const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the lease only for its current owner.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// LeaderElector holds a TTL lease in Redis so that a single instance runs
// the promotion scan at a time.
type LeaderElector struct {
	Redis *redis.Client

	key        string
	owner      string
	ttl        time.Duration
	renewEvery time.Duration
	monitor    *monitoring.Monitor

	leader atomic.Bool
}

func NewLeaderElector(redisClient *redis.Client, ttl, renewEvery time.Duration, monitor *monitoring.Monitor) *LeaderElector {
	return &LeaderElector{
		Redis:      redisClient,
		key:        leaderKey,
		owner:      uuid.NewString(),
		ttl:        ttl,
		renewEvery: renewEvery,
		monitor:    monitor,
	}
}

func (l *LeaderElector) Owner() string { return l.owner }

func (l *LeaderElector) IsLeader() bool { return l.leader.Load() }

// TryAcquire takes the lease if it is free. It also succeeds when this
// instance already holds it.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.Redis.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lease: %w", err)
	}
	if !ok {
		return l.Renew(ctx)
	}
	l.setLeader(true)
	return true, nil
}

// Renew extends the lease if this instance still owns it.
func (l *LeaderElector) Renew(ctx context.Context) (bool, error) {
	n, err := l.Redis.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew leader lease: %w", err)
	}
	l.setLeader(n == 1)
	return n == 1, nil
}

func (l *LeaderElector) Release(ctx context.Context) error {
	wasLeader := l.leader.Load()
	l.setLeader(false)

	if err := l.Redis.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release leader lease: %w", err)
	}
	if wasLeader {
		slog.Info("promotion leadership released", "owner", l.owner)
	}
	return nil
}

// Run keeps trying to acquire or renew the lease until stop is closed or ctx
// ends. A Redis error drops leadership until the next successful round.
func (l *LeaderElector) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *LeaderElector) tick(ctx context.Context) {
	was := l.leader.Load()

	var err error
	if was {
		_, err = l.Renew(ctx)
	} else {
		_, err = l.TryAcquire(ctx)
	}
	if err != nil {
		slog.Error("leader election round failed", "error", err, "owner", l.owner)
		l.setLeader(false)
	}

	if now := l.leader.Load(); now != was {
		slog.Info("promotion leadership changed", "leader", now, "owner", l.owner)
	}
}

func (l *LeaderElector) setLeader(v bool) {
	l.leader.Store(v)
	l.monitor.SetLeader(v)
}
