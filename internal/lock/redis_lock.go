// Package lock keeps two patcher processes from driving the same partition.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pipeline-patcher/internal/config"
)

// ErrLeaseLost is returned when a lease expired or was taken over.
var ErrLeaseLost = errors.New("partition lease lost")

// Lease is a held partition lock.
type Lease interface {
	// Extend pushes the expiry forward by the locker's TTL.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out partition leases. Acquire reports false when another
// holder owns the partition.
type Locker interface {
	Acquire(ctx context.Context, partition string) (Lease, bool, error)
}

// Noop grants every lease; it is used when no Redis is configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (Lease, bool, error) { return noopLease{}, true, nil }

type noopLease struct{}

func (noopLease) Extend(context.Context) error  { return nil }
func (noopLease) Release(context.Context) error { return nil }

// RedisLocker implements leases as SET NX PX keys holding a random token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker client from config.
func NewRedisLocker(cfg config.Config) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisLockerWithClient(client, cfg.LockTTL)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "patch:lock:", ttl: ttl}
}

func (l *RedisLocker) key(partition string) string {
	return l.prefix + partition
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Acquire takes the partition lease if nobody holds it.
func (l *RedisLocker) Acquire(ctx context.Context, partition string) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(partition), token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", partition, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{locker: l, key: l.key(partition), token: token}, true, nil
}

// Holder returns the token currently holding partition, or "" when free.
func (l *RedisLocker) Holder(ctx context.Context, partition string) (string, error) {
	v, err := l.client.Get(ctx, l.key(partition)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (r *redisLease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, r.locker.client, []string{r.key}, r.token, r.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", r.key, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
