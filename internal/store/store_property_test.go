package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pulselog/pulselog/pkg/types"
)

// TestProperty_RetentionNeverDeletesUnsent validates the delete
// asymmetry: for any mix of sent and unsent events and any cutoff,
// deletion removes only sent events and the unsent count is unchanged.
func TestProperty_RetentionNeverDeletesUnsent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("unsent events survive every cutoff", prop.ForAll(
		func(total, sentCount, cutoffOffsetHours int) bool {
			if sentCount > total {
				sentCount = total
			}

			s, err := Open(filepath.Join(t.TempDir(), "events.db"))
			if err != nil {
				return false
			}
			defer s.Close()
			ctx := context.Background()

			var ids []types.EventID
			for i := 0; i < total; i++ {
				ev, err := s.Append(ctx, types.EventButtonTap, nil)
				if err != nil {
					return false
				}
				ids = append(ids, ev.ID)
			}
			if err := s.MarkSent(ctx, ids[:sentCount]); err != nil {
				return false
			}

			cutoff := time.Now().Add(time.Duration(cutoffOffsetHours) * time.Hour)
			deleted, err := s.DeleteSentBefore(ctx, cutoff)
			if err != nil {
				return false
			}

			unsent, err := s.Count(ctx, CountUnsent)
			if err != nil {
				return false
			}
			sent, err := s.Count(ctx, CountSent)
			if err != nil {
				return false
			}

			return unsent == int64(total-sentCount) &&
				sent == int64(sentCount)-deleted &&
				deleted >= 0 && deleted <= int64(sentCount)
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
		gen.IntRange(-48, 48),
	))

	properties.TestingRun(t)
}
