package bufferstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"memoria/internal/memerr"
)

// redisLease is the optional C11 distributed flush lease: a short-lived
// Redis key acquired with SET NX so at most one worker flushes a given
// (user, blob_type) buffer at a time. Purely an optimization — the
// idle->processing transition in pgManager.claimIdle is what actually
// guarantees no buffer_id is processed twice.
type redisLease struct {
	client *redis.Client
}

// NewRedisLease returns a Lease backed by addr, or nil if addr is empty
// (the caller should pass the nil Lease to NewPostgresManager to disable
// the optimization entirely).
func NewRedisLease(addr string) Lease {
	if addr == "" {
		return nil
	}
	return &redisLease{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (l *redisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, memerr.UnavailableWrap(err, "acquire flush lease")
	}
	return ok, nil
}

func (l *redisLease) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return memerr.UnavailableWrap(err, "release flush lease")
	}
	return nil
}
