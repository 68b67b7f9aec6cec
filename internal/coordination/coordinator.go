// Package coordination provides the distributed primitives needed to
// run more than one crucible process against the same Redis/durable
// backend: a Redis-backed lease (SET NX acquire, CAS-release Lua
// script) and a leader elector built on top of it. Crucible only needs
// a single elected reaper per deployment (running two reapers is
// harmless but wasteful — they'd just double-apply the same idempotent
// repairs), so there is no per-resource lock namespace for arbitrary
// callers, just the one election loop plus the janitor that reclaims a
// lease abandoned by a process that died mid-hold.
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator is the minimal lease primitive the elector and janitor
// need — crucible only ever needs one kind of distributed exclusion:
// leadership of a role.
type Coordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
	IncrementEpoch(ctx context.Context, key string) (int64, error)
	CurrentEpoch(ctx context.Context, key string) (int64, error)
	ScanLeases(ctx context.Context, pattern string) ([]string, error)
	GetLeaseOwner(ctx context.Context, key string) (string, error)
}

// RedisCoordinator implements Coordinator on the same Redis instance
// the ephemeral store and event bus already use.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// renewScript extends the TTL only if the caller still holds the lease,
// so a process that lost and reacquired the lease under someone else's
// ownership can never renew a lease it no longer owns.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

func (c *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := c.client.Eval(ctx, renewScript, []string{key}, value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	_, err := c.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	return err
}

func (c *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key+":epoch").Result()
}

// CurrentEpoch reads the epoch counter without mutating it, used by the
// janitor to detect fencing without itself advancing the epoch.
func (c *RedisCoordinator) CurrentEpoch(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key+":epoch").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func (c *RedisCoordinator) ScanLeases(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (c *RedisCoordinator) GetLeaseOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
