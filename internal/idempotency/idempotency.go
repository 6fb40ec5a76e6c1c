package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/knocktwice/internal/clock"
)

const DefaultTTL = 24 * time.Hour

// Store deduplicates retried actions. A caller takes the lock for
// (scope, key), does the work, then remembers its result so later retries can
// recall it instead of repeating the work.
type Store interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	// Unlock drops a lock whose work failed so the action can be retried.
	Unlock(ctx context.Context, scope, key string) error
	Remember(ctx context.Context, scope, key, value string) error
	Recall(ctx context.Context, scope, key string) (string, bool, error)
}

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func lockKey(scope, key string) string { return "knock:idemp:" + scope + ":" + key }
func mapKey(scope, key string) string  { return "knock:idemp:map:" + scope + ":" + key }

func (s *Redis) TryLock(ctx context.Context, scope, key string) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(scope, key), "1", s.ttl).Result()
}

func (s *Redis) Unlock(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, lockKey(scope, key)).Err()
}

func (s *Redis) Remember(ctx context.Context, scope, key, value string) error {
	return s.rdb.Set(ctx, mapKey(scope, key), value, s.ttl).Err()
}

func (s *Redis) Recall(ctx context.Context, scope, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, mapKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Redis) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

type entry struct {
	value   string
	expires time.Time
}

// Memory is a single-process Store for when no Redis is configured.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]time.Time
	values map[string]entry
	ttl    time.Duration
	clock  clock.Clock
}

func NewMemory(ttl time.Duration, c clock.Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = clock.System{}
	}
	return &Memory{locks: map[string]time.Time{}, values: map[string]entry{}, ttl: ttl, clock: c}
}

func (s *Memory) TryLock(ctx context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	k := lockKey(scope, key)
	if exp, ok := s.locks[k]; ok && now.Before(exp) {
		return false, nil
	}
	s.locks[k] = now.Add(s.ttl)
	return true, nil
}

func (s *Memory) Unlock(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(scope, key))
	return nil
}

func (s *Memory) Remember(ctx context.Context, scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[mapKey(scope, key)] = entry{value: value, expires: s.clock.Now().Add(s.ttl)}
	return nil
}

func (s *Memory) Recall(ctx context.Context, scope, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mapKey(scope, key)
	e, ok := s.values[k]
	if !ok {
		return "", false, nil
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.values, k)
		return "", false, nil
	}
	return e.value, true, nil
}

// Purge drops expired entries and reports how many were removed.
func (s *Memory) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, exp := range s.locks {
		if !now.Before(exp) {
			delete(s.locks, k)
			n++
		}
	}
	for k, e := range s.values {
		if !now.Before(e.expires) {
			delete(s.values, k)
			n++
		}
	}
	return n
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Memory)(nil)
)
