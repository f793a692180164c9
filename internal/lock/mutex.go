package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mutex is an in-process Locker. A one-slot channel is used instead of
// sync.Mutex so that waiting can be abandoned on timeout or cancellation.
type Mutex struct {
	name    string
	sem     chan struct{}
	timeout time.Duration
}

// NewMutex creates an in-process lock.
func NewMutex(name string, timeout time.Duration) *Mutex {
	return &Mutex{
		name:    name,
		sem:     make(chan struct{}, 1),
		timeout: orDefault(timeout),
	}
}

// Acquire implements Locker.
func (m *Mutex) Acquire(ctx context.Context) (Release, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w after %s", m.name, ErrTimeout, m.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-m.sem })
	}, nil
}
