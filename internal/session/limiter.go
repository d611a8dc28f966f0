package session

import (
	"context"
	"sync"
	"time"

	"coldcaller-telephony/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps the number of live calls. Acquire reports false when the cap is
// reached; Release is idempotent per session id.
type Limiter interface {
	Acquire(ctx context.Context, sessionID string) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

// Unlimited never rejects a call.
type Unlimited struct{}

func (Unlimited) Acquire(context.Context, string) (bool, error) { return true, nil }
func (Unlimited) Release(context.Context, string) error         { return nil }

// MemoryLimiter caps calls within one process.
type MemoryLimiter struct {
	max int

	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLimiter(max int) *MemoryLimiter {
	return &MemoryLimiter{max: max, held: make(map[string]struct{})}
}

func (l *MemoryLimiter) Acquire(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return true, nil
	}
	if l.max > 0 && len(l.held) >= l.max {
		return false, nil
	}
	l.held[id] = struct{}{}
	return true, nil
}

func (l *MemoryLimiter) Release(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// RedisLimiter shares one cap across every process using the same key. Each
// call holds its own slot with a TTL, so slots leaked by a crashed process
// expire on their own. The TTL should exceed the longest expected call.
type RedisLimiter struct {
	rdb *redis.Client
	key string
	max int
	ttl time.Duration
}

func NewRedisLimiter(rdb *redis.Client, key string, max int, ttl time.Duration) *RedisLimiter {
	if key == "" {
		key = "coldcaller:concurrent_calls"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, key: key, max: max, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, id string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}
	return utils.AcquireSlot(ctx, l.rdb, l.key, id, l.max, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, id string) error {
	if l.max <= 0 {
		return nil
	}
	return utils.ReleaseSlot(ctx, l.rdb, l.key, id)
}

func (l *RedisLimiter) InUse(ctx context.Context) (int, error) {
	return utils.SlotsInUse(ctx, l.rdb, l.key)
}
