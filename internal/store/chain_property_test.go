package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
)

// Property: any sequence of appends yields a chain where every event links
// to its predecessor and the whole chain verifies.
func TestChainConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("appends always form a valid chain", prop.ForAll(
		func(sources, messages []string, steps []int) bool {
			clock := newFakeClock()
			db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "prop.db"), WithClock(clock.Now))
			if err != nil {
				t.Logf("open: %v", err)
				return false
			}
			defer db.Close()
			ctx := context.Background()

			prev := chain.Genesis
			for i := 0; i < len(sources) && i < len(messages); i++ {
				if i < len(steps) {
					// Steps may be negative to exercise clock step-backs.
					clock.Advance(time.Duration(steps[i]) * time.Millisecond)
				}
				ev, err := db.Append(ctx, event.Candidate{Level: event.LevelInfo, Source: sources[i], Message: messages[i]})
				if err != nil {
					t.Logf("append: %v", err)
					return false
				}
				if ev.PreviousHash != prev {
					return false
				}
				prev = ev.EventHash
			}

			return chain.NewVerifier(db, 3).Verify(ctx).Valid
		},
		gen.SliceOfN(12, gen.AlphaString()),
		gen.SliceOfN(12, gen.AlphaString()),
		gen.SliceOfN(12, gen.IntRange(-5, 5)),
	))

	properties.TestingRun(t)
}
