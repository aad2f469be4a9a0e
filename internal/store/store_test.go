package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulselog/pulselog/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndFetchUnsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, types.EventButtonTap, types.Payload{
		"button": types.String("save"),
	})
	assert.NoError(t, err)
	assert.False(t, ev.ID.IsZero())
	assert.False(t, ev.Sent)

	events, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, types.EventButtonTap, events[0].Type)

	payload, err := types.DecodePayload(events[0].Payload, events[0].PayloadSum)
	assert.NoError(t, err)
	assert.Equal(t, "save", payload["button"].Str())
}

func TestStore_FetchUnsentOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []types.EventID
	for i := 0; i < 20; i++ {
		ev, err := s.Append(ctx, types.EventScreenView, nil)
		assert.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	events, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.ID, "event %d out of insertion order", i)
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(events[i-1].Timestamp))
		}
	}
}

func TestStore_FetchUnsentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, types.EventScreenView, nil)
		assert.NoError(t, err)
	}

	events, err := s.FetchUnsent(ctx, 3)
	assert.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestStore_MarkSentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev1, err := s.Append(ctx, types.EventButtonTap, nil)
	assert.NoError(t, err)
	ev2, err := s.Append(ctx, types.EventButtonTap, nil)
	assert.NoError(t, err)

	assert.NoError(t, s.MarkSent(ctx, []types.EventID{ev1.ID}))

	unsent, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, unsent, 1)
	assert.Equal(t, ev2.ID, unsent[0].ID)

	// Marking again, including an unknown ID, changes nothing.
	unknown, err := types.NewIDGenerator().Generate()
	assert.NoError(t, err)
	assert.NoError(t, s.MarkSent(ctx, []types.EventID{ev1.ID, unknown}))

	unsent, err = s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, unsent, 1)

	total, err := s.Count(ctx, CountAll)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestStore_MarkSentLargeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// More IDs than a single UPDATE chunk holds.
	var ids []types.EventID
	for i := 0; i < 1200; i++ {
		ev, err := s.Append(ctx, types.EventScreenView, nil)
		assert.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	assert.NoError(t, s.MarkSent(ctx, ids))

	pending, err := s.Count(ctx, CountUnsent)
	assert.NoError(t, err)
	assert.Zero(t, pending)

	sent, err := s.Count(ctx, CountSent)
	assert.NoError(t, err)
	assert.Equal(t, int64(1200), sent)
}

func TestStore_DeleteSentBeforeNeverTouchesUnsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentEv, err := s.Append(ctx, types.EventScreenView, nil)
	assert.NoError(t, err)
	unsentEv, err := s.Append(ctx, types.EventScreenView, nil)
	assert.NoError(t, err)

	assert.NoError(t, s.MarkSent(ctx, []types.EventID{sentEv.ID}))

	// Cutoff far in the future: every sent event qualifies, but the
	// unsent one must survive regardless of age.
	deleted, err := s.DeleteSentBefore(ctx, time.Now().Add(24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	unsent, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, unsent, 1)
	assert.Equal(t, unsentEv.ID, unsent[0].ID)
}

func TestStore_DeleteSentBeforeRespectsCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, types.EventScreenView, nil)
	assert.NoError(t, err)
	assert.NoError(t, s.MarkSent(ctx, []types.EventID{ev.ID}))

	// Cutoff before the event: nothing qualifies.
	deleted, err := s.DeleteSentBefore(ctx, ev.Timestamp.Add(-time.Hour))
	assert.NoError(t, err)
	assert.Zero(t, deleted)

	sent, err := s.Count(ctx, CountSent)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), sent)
}

func TestStore_DeleteSentByIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sent, err := s.Append(ctx, types.EventScreenView, nil)
	assert.NoError(t, err)
	unsent, err := s.Append(ctx, types.EventButtonTap, nil)
	assert.NoError(t, err)
	assert.NoError(t, s.MarkSent(ctx, []types.EventID{sent.ID}))

	unknown, err := types.NewIDGenerator().Generate()
	assert.NoError(t, err)

	// Unsent and unknown IDs are no-ops.
	deleted, err := s.DeleteSentByIDs(ctx, []types.EventID{sent.ID, unsent.ID, unknown})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, unsent.ID, remaining[0].ID)

	deleted, err = s.DeleteSentByIDs(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestStore_FetchSentBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, types.EventScreenView, nil)
	assert.NoError(t, err)
	assert.NoError(t, s.MarkSent(ctx, []types.EventID{ev.ID}))

	events, err := s.FetchSentBefore(ctx, ev.Timestamp.Add(time.Hour))
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.True(t, events[0].Sent)

	events, err = s.FetchSentBefore(ctx, ev.Timestamp.Add(-time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_CountFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []types.EventID
	for i := 0; i < 5; i++ {
		ev, err := s.Append(ctx, types.EventScreenView, nil)
		assert.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	assert.NoError(t, s.MarkSent(ctx, ids[:2]))

	total, err := s.Count(ctx, CountAll)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), total)

	unsent, err := s.Count(ctx, CountUnsent)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), unsent)

	sent, err := s.Count(ctx, CountSent)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), sent)
}

func TestStore_Settings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, SettingLoginState)
	assert.NoError(t, err)
	assert.Empty(t, v)

	assert.NoError(t, s.SetSetting(ctx, SettingLoginState, "true"))
	assert.NoError(t, s.SetSetting(ctx, SettingLoginState, "false"))

	v, err = s.GetSetting(ctx, SettingLoginState)
	assert.NoError(t, err)
	assert.Equal(t, "false", v)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, types.EventButtonTap, nil); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, events, writers*perWriter)

	// Timestamps are non-decreasing in fetch order even under
	// concurrent appends.
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	assert.NoError(t, err)

	ev, err := s.Append(ctx, types.EventAppLaunch, types.Payload{
		"version": types.String("1.0"),
	})
	assert.NoError(t, err)
	assert.NoError(t, s.SetSetting(ctx, SettingLoginState, "true"))
	assert.NoError(t, s.Close())

	s2, err := Open(dbPath)
	assert.NoError(t, err)
	defer s2.Close()

	events, err := s2.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)

	v, err := s2.GetSetting(ctx, SettingLoginState)
	assert.NoError(t, err)
	assert.Equal(t, "true", v)

	// The timestamp floor is re-derived, so new appends never sort
	// before persisted ones.
	ev2, err := s2.Append(ctx, types.EventAppLaunch, nil)
	assert.NoError(t, err)
	assert.False(t, ev2.Timestamp.Before(ev.Timestamp))
}
