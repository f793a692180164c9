package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/lock"
	"github.com/setevik/logvault/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Deduplicator, *store.DB, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "dedup.db"), store.WithClock(c.Now))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, c.Now, nil), db, c
}

func msg(source, message string) event.Candidate {
	return event.Candidate{Level: event.LevelWarn, Source: source, Message: message}
}

func TestMergeWithinWindow(t *testing.T) {
	d, db, c := setup(t)
	ctx := context.Background()

	first, merged, err := d.Submit(ctx, msg("ups", "on battery"))
	if err != nil || merged {
		t.Fatalf("first Submit = merged %v, err %v", merged, err)
	}

	c.Advance(9 * time.Second)
	again, merged, err := d.Submit(ctx, msg("ups", "on battery"))
	if err != nil {
		t.Fatal(err)
	}
	if !merged {
		t.Fatal("submission 9s later was not merged")
	}
	if again.ID != first.ID || again.RepeatCount != 1 {
		t.Errorf("merged into %s with count %d, want %s with 1", again.ID, again.RepeatCount, first.ID)
	}

	n, _ := db.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	if res := chain.NewVerifier(db, 0).Verify(ctx); !res.Valid {
		t.Errorf("Verify: %s", res.Details)
	}
}

func TestAppendOutsideWindow(t *testing.T) {
	d, db, c := setup(t)
	ctx := context.Background()

	if _, _, err := d.Submit(ctx, msg("ups", "on battery")); err != nil {
		t.Fatal(err)
	}
	c.Advance(11 * time.Second)
	ev, merged, err := d.Submit(ctx, msg("ups", "on battery"))
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Fatal("submission 11s later was merged")
	}
	if ev.RepeatCount != 0 {
		t.Errorf("RepeatCount = %d, want 0", ev.RepeatCount)
	}

	n, _ := db.Count(ctx)
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestWindowSlidesWithRepeats(t *testing.T) {
	d, db, c := setup(t)
	ctx := context.Background()

	// Each repeat refreshes last seen, so a steady stream keeps merging.
	for i := 0; i < 4; i++ {
		if _, _, err := d.Submit(ctx, msg("fan", "speed low")); err != nil {
			t.Fatal(err)
		}
		c.Advance(8 * time.Second)
	}

	n, _ := db.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	events, err := db.Query(ctx, store.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].RepeatCount != 3 {
		t.Errorf("RepeatCount = %d, want 3", events[0].RepeatCount)
	}
}

func TestDifferentSourceNotMerged(t *testing.T) {
	d, db, _ := setup(t)
	ctx := context.Background()

	d.Submit(ctx, msg("ups-1", "on battery"))
	_, merged, err := d.Submit(ctx, msg("ups-2", "on battery"))
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Error("different sources were merged")
	}
	n, _ := db.Count(ctx)
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

type failingLookup struct {
	Store
	appended int
}

func (f *failingLookup) FindRecent(context.Context, string, string, time.Time) (*event.Event, error) {
	return nil, errors.New("lookup unavailable")
}

func (f *failingLookup) Append(_ context.Context, c event.Candidate) (*event.Event, error) {
	f.appended++
	return event.New(c, time.Now()), nil
}

func TestLookupFailureFallsThrough(t *testing.T) {
	f := &failingLookup{}
	d := New(f, nil, nil)

	_, merged, err := d.Submit(context.Background(), msg("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if merged || f.appended != 1 {
		t.Errorf("merged = %v, appended = %d; want a plain append", merged, f.appended)
	}
}

func TestBlockedSubmissionsTimeOutTogether(t *testing.T) {
	const timeout = 100 * time.Millisecond
	chainLock := lock.NewMutex("chain", timeout)
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "blocked.db"), store.WithLocker(chainLock))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	d := New(db, nil, nil)

	// Another writer holds the chain for longer than every submission waits.
	held, err := chainLock.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer held()

	const n = 8
	var wg sync.WaitGroup
	elapsed := make([]time.Duration, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_, _, errs[i] = d.Submit(context.Background(), msg("nas", "disk 2 degraded"))
			elapsed[i] = time.Since(start)
		}()
	}
	wg.Wait()

	for i := range n {
		if !errors.Is(errs[i], lock.ErrTimeout) {
			t.Errorf("submission %d: err = %v, want lock.ErrTimeout", i, errs[i])
		}
		if elapsed[i] > 4*timeout {
			t.Errorf("submission %d waited %s, want about %s", i, elapsed[i], timeout)
		}
	}
}
