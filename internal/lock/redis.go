package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so a
// holder whose lease expired cannot release somebody else's lock.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultLease is how long a Redis lock survives a holder that never
// releases it.
const DefaultLease = 30 * time.Second

var errHeld = errors.New("lock held by another writer")

// Redis is a Locker shared by every process talking to the same Redis.
type Redis struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
	lease   time.Duration
}

// NewRedis creates a Redis-backed lock on key.
func NewRedis(client redis.UniversalClient, key string, timeout, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Redis{
		client:  client,
		key:     key,
		timeout: orDefault(timeout),
		lease:   lease,
	}
}

// Acquire implements Locker. It polls SET NX with exponential backoff until
// the timeout elapses.
func (r *Redis) Acquire(ctx context.Context) (Release, error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = r.timeout

	err := backoff.Retry(func() error {
		ok, err := r.client.SetNX(ctx, r.key, token, r.lease).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis SET NX %s: %w", r.key, err))
		}
		if !ok {
			return errHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errHeld) {
			return nil, fmt.Errorf("%s: %w after %s", r.key, ErrTimeout, r.timeout)
		}
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must succeed even if the caller's ctx is already done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{r.key}, token).Err(); err != nil {
			slog.Warn("failed to release redis chain lock", "key", r.key, "error", err)
		}
	}, nil
}
