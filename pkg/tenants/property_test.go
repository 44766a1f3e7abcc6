//go:build property

package tenants

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Every period bucket of a tenant accumulates exactly the sum of the
// recorded deltas, whatever the mix of requests, tokens and outcomes.
func TestPropertyBucketSumsMatchDeltas(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("hour, day and month buckets agree with the delta sum", prop.ForAll(
		func(requests []int, blockedMask []bool) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			if err := store.Put(ctx, &Tenant{ID: "acme", Status: StatusActive}); err != nil {
				return false
			}
			fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
			m := NewManager(store, WithClock(func() time.Time { return fixed }))

			var wantRequests, wantTokens, wantBlocked int64
			for i, tokens := range requests {
				blocked := i < len(blockedMask) && blockedMask[i]
				d := UsageDelta{Requests: 1, Tokens: int64(tokens), Blocked: blocked}
				wantRequests++
				wantTokens += int64(tokens)
				if blocked {
					wantBlocked++
				}
				m.RecordUsage(ctx, "acme", d)
			}

			for _, p := range []Period{PeriodHour, PeriodDay, PeriodMonth} {
				b := m.Usage("acme", p)
				if b.Requests != wantRequests || b.Tokens != wantTokens || b.Blocked != wantBlocked {
					return false
				}
				if b.PeriodStart != PeriodStart(fixed, p) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
