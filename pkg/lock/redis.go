package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// DefaultRedisPrefix namespaces lock keys in Redis.
const DefaultRedisPrefix = "archives:lock:"

var (
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
	refreshScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLocker takes locks with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. An empty prefix uses DefaultRedisPrefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock acquires key for ttl or returns core.ErrConcurrencyConflict.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", core.ErrInvalidArgument)
	}
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrConcurrencyConflict, key)
	}
	return &redisLease{l: l, key: key, token: token}, nil
}

type redisLease struct {
	l     *RedisLocker
	key   string
	token string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.l.client, []string{r.l.prefix + r.key}, r.token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if n == 0 {
		return core.ErrLockNotHeld
	}
	return nil
}

func (r *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.l.client, []string{r.l.prefix + r.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refresh lock %s: %w", r.key, err)
	}
	if n == 0 {
		return core.ErrLockNotHeld
	}
	return nil
}
