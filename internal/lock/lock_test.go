package lock

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func TestMutexExclusive(t *testing.T) {
	m := NewMutex("chain", time.Second)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestMutexTimeout(t *testing.T) {
	m := NewMutex("chain", 20*time.Millisecond)
	ctx := context.Background()

	release, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = m.Acquire(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Acquire error = %v, want ErrTimeout", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("gave up after %v, want at least 20ms", waited)
	}
}

func TestMutexContextCancel(t *testing.T) {
	m := NewMutex("chain", time.Minute)

	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestMutexReleaseIdempotent(t *testing.T) {
	m := NewMutex("chain", 50*time.Millisecond)
	ctx := context.Background()

	release, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // must not unblock a lock nobody holds

	r1, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer r1()

	if _, err := m.Acquire(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("double release let a second holder in: %v", err)
	}
}

// TestRedisLock requires a running Redis on localhost:6379.
func TestRedisLock(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis lock test: redis not available")
	}

	key := "logvault:test:" + t.Name()
	client.Del(ctx, key)

	l := NewRedis(client, key, 50*time.Millisecond, time.Second)
	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	other := NewRedis(client, key, 50*time.Millisecond, time.Second)
	if _, err := other.Acquire(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("second Acquire = %v, want ErrTimeout", err)
	}

	release()

	r2, err := other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}

// TestAdvisoryLock requires LOGVAULT_TEST_POSTGRES_DSN.
func TestAdvisoryLock(t *testing.T) {
	dsn := os.Getenv("LOGVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping advisory lock test: LOGVAULT_TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	l := NewAdvisory(db, 4242, 50*time.Millisecond)

	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("second Acquire = %v, want ErrTimeout", err)
	}
	release()

	r2, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}
