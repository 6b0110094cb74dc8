// Package lock provides a Redis advisory lock so only one queue processor
// claims jobs at a time, even when cron triggers overlap.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a single-holder lease keyed in Redis. The TTL guards against a
// crashed holder wedging the queue.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// New builds a lock on the given key.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

// Acquire attempts to take the lease. It does not block: a false return means
// another holder is active and the caller should skip this cycle.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release drops the lease if this instance still holds it. Releasing a lease
// that expired and was re-acquired elsewhere is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
