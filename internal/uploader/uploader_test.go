package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/pkg/types"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEvents(t *testing.T, s *store.SQLiteStore, n int) []types.EventID {
	t.Helper()
	ctx := context.Background()
	ids := make([]types.EventID, n)
	for i := 0; i < n; i++ {
		ev, err := s.Append(ctx, types.EventButtonTap, types.Payload{
			"button": types.String("save"),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids[i] = ev.ID
	}
	return ids
}

func TestUploader_SuccessMarksBatchSent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 5)

	var gotPath, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stats := observability.New(nil)
	u := New(s, stats, Config{CollectorBaseURL: server.URL})

	assert.NoError(t, u.TryUpload(ctx))
	assert.Equal(t, UploadPath, gotPath)
	assert.Equal(t, "application/json", gotContentType)

	var env envelope
	assert.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Len(t, env.Events, 5)
	assert.Equal(t, types.EventButtonTap, env.Events[0].Type)
	assert.Equal(t, "save", env.Events[0].Payload["button"].Str())
	assert.NotZero(t, env.UploadTimestamp)
	_, err := uuid.Parse(env.BatchID)
	assert.NoError(t, err)

	pending, err := s.Count(ctx, store.CountUnsent)
	assert.NoError(t, err)
	assert.Zero(t, pending)

	last, err := s.GetSetting(ctx, store.SettingLastUploadDate)
	assert.NoError(t, err)
	_, err = time.Parse(time.RFC3339, last)
	assert.NoError(t, err)
}

func TestUploader_ServerErrorLeavesBatchUnsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 3)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL})

	assert.Error(t, u.TryUpload(ctx))

	pending, err := s.Count(ctx, store.CountUnsent)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	last, err := s.GetSetting(ctx, store.SettingLastUploadDate)
	assert.NoError(t, err)
	assert.Empty(t, last)
}

func TestUploader_TransportFailureLeavesBatchUnsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL})

	assert.Error(t, u.TryUpload(ctx))

	pending, err := s.Count(ctx, store.CountUnsent)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestUploader_EmptyOutboxSkipsRequest(t *testing.T) {
	s := openTestStore(t)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL})

	assert.NoError(t, u.TryUpload(context.Background()))
	assert.Zero(t, requests)
}

func TestUploader_BatchLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		assert.Len(t, env.Events, 4)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL, BatchLimit: 4})

	assert.NoError(t, u.TryUpload(ctx))

	pending, err := s.Count(ctx, store.CountUnsent)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), pending)
}

func TestUploader_EventsAppendedDuringUploadStayUnsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 3)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A new event arrives while the collector holds the request.
		appendEvents(t, s, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL})

	assert.NoError(t, u.TryUpload(ctx))

	pending, err := s.Count(ctx, store.CountUnsent)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestUploader_CorruptPayloadOmittedNotDropped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, types.EventButtonTap, types.Payload{
		"button": types.String("save"),
	})
	assert.NoError(t, err)

	events, err := s.FetchUnsent(ctx, 0)
	assert.NoError(t, err)
	events[0].Payload[0] ^= 0xFF // corrupt in memory

	u := New(s, observability.New(nil), Config{Device: DeviceInfo{Model: "test"}})
	env := u.buildEnvelope(events)

	assert.Len(t, env.Events, 1)
	assert.Equal(t, types.EventButtonTap, env.Events[0].Type)
	assert.Equal(t, ev.Timestamp.Unix(), env.Events[0].Timestamp)
	assert.Nil(t, env.Events[0].Payload)
}

func TestUploader_SingleFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, u.TryUpload(ctx))
	}()

	<-started
	assert.ErrorIs(t, u.TryUpload(ctx), ErrUploadInProgress)

	close(release)
	wg.Wait()
}

func TestUploader_DeviceInfoInEnvelope(t *testing.T) {
	s := openTestStore(t)
	appendEvents(t, s, 1)

	device := DeviceInfo{Model: "pixel-8", SystemVersion: "14", AppVersion: "2.3.1"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		assert.Equal(t, device, env.DeviceInfo)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := New(s, observability.New(nil), Config{CollectorBaseURL: server.URL, Device: device})
	assert.NoError(t, u.TryUpload(context.Background()))
}
