// Package lock provides the named exclusive lock that serializes every
// mutation of the hash chain. Implementations differ in scope: Mutex guards a
// single process, Redis and Advisory guard every process sharing the backend.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired within the
// configured bound.
var ErrTimeout = errors.New("chain lock acquisition timed out")

// DefaultTimeout bounds lock acquisition when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Release gives the lock back. It is safe to call more than once.
type Release func()

// Locker is an acquire/release exclusive lock with a bounded wait.
type Locker interface {
	// Acquire blocks until the lock is held, ctx is done, or the timeout
	// elapses. On success the caller must call the returned Release.
	Acquire(ctx context.Context) (Release, error)
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
