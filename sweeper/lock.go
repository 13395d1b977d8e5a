package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides the cross-instance mutual exclusion for the sweep job.
type Locker interface {
	// Acquire attempts to take the named lock for ttl. It returns false when
	// another holder already has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the lock. Best-effort: the TTL is the backstop against a
	// crashed holder.
	Release(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SET NX EX against a shared Redis.
type RedisLocker struct {
	client *redis.Client
	token  string
}

// NewRedisLocker constructs a locker with a per-instance token so a holder
// never deletes a lock a sibling re-acquired after TTL expiry.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, token: uuid.NewString()}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, l.token, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release implements Locker, deleting the lock only if this instance still
// holds it.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, l.token).Err()
}
