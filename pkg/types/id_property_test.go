package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventIDTimeOrdering validates that event IDs preserve the
// ordering of their generation times: for any two generation times, the
// ID generated at the earlier time compares lower.
func TestProperty_EventIDTimeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("IDs generated at later times compare greater", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}

			g := NewIDGenerator()
			id1, err := g.GenerateWithTime(time.UnixMilli(t1Ms))
			if err != nil {
				return false
			}
			id2, err := g.GenerateWithTime(time.UnixMilli(t2Ms))
			if err != nil {
				return false
			}

			return id1.Compare(id2) < 0 && id1.String() < id2.String()
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("IDs within the same millisecond are monotonically increasing", prop.ForAll(
		func(timestampMs int64, count int) bool {
			g := NewIDGenerator()
			ts := time.UnixMilli(timestampMs)

			var prev EventID
			for i := 0; i < count; i++ {
				curr, err := g.GenerateWithTime(ts)
				if err != nil {
					return false
				}
				if i > 0 && prev.Compare(curr) >= 0 {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.IntRange(2, 100),
	))

	properties.Property("string encoding roundtrips", prop.ForAll(
		func(timestampMs int64) bool {
			g := NewIDGenerator()
			id, err := g.GenerateWithTime(time.UnixMilli(timestampMs))
			if err != nil {
				return false
			}
			parsed, err := ParseEventID(id.String())
			if err != nil {
				return false
			}
			return parsed == id
		},
		gen.Int64Range(0, 281474976710655), // Max 48-bit value
	))

	properties.TestingRun(t)
}
