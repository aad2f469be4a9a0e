// Package integration provides end-to-end integration tests for the
// pulselog pipeline.
package integration

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

	"github.com/pulselog/pulselog/internal/app"
	"github.com/pulselog/pulselog/internal/config"
	"github.com/pulselog/pulselog/internal/lifecycle"
	"github.com/pulselog/pulselog/internal/logger"
	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/scheduler"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/internal/uploader"
	"github.com/pulselog/pulselog/pkg/types"
)

// collector is a fake batch_upload endpoint that records envelopes.
type collector struct {
	mu        sync.Mutex
	batches   [][]byte
	status    int
	server    *httptest.Server
	lastPath  string
	lastCType string
}

func newCollector(status int) *collector {
	c := &collector{status: status}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.batches = append(c.batches, body)
		c.lastPath = r.URL.Path
		c.lastCType = r.Header.Get("Content-Type")
		c.mu.Unlock()
		w.WriteHeader(c.status)
	}))
	return c
}

func (c *collector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// TestRecordUploadFlow tests the end-to-end flow:
// logger -> store -> scheduler -> uploader -> collector
func TestRecordUploadFlow(t *testing.T) {
	ctx := context.Background()

	coll := newCollector(http.StatusOK)
	defer coll.server.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	stats := observability.New(nil)
	lg := logger.New(st, stats)

	up := uploader.New(st, stats, uploader.Config{
		CollectorBaseURL: coll.server.URL,
	})
	sched := scheduler.New(scheduler.DefaultConfig(), up, st, stats)

	// Session of interactions, all recorded while logged out.
	lg.EnterScreen("home")
	lg.SwitchTab("feed")
	lg.ButtonTap("like")
	lg.SwipeGesture("up")
	lg.TextInput("comment", 24)
	lg.ExitScreen("home")
	lg.Close() // drain the record queue

	pending, err := st.Count(ctx, store.CountUnsent)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 6 {
		t.Fatalf("expected 6 pending events, got %d", pending)
	}

	// Logged out: manual trigger transmits nothing.
	if err := sched.ForceUpload(ctx); err != nil {
		t.Fatalf("force upload failed: %v", err)
	}
	if coll.batchCount() != 0 {
		t.Fatalf("expected no batches while logged out, got %d", coll.batchCount())
	}

	// The login edge flushes everything accumulated.
	sched.OnLoginChanged(ctx, true)
	if coll.batchCount() != 1 {
		t.Fatalf("expected 1 batch after login, got %d", coll.batchCount())
	}

	var env struct {
		Events []struct {
			Type      string        `json:"type"`
			Timestamp int64         `json:"timestamp"`
			Payload   types.Payload `json:"payload"`
		} `json:"events"`
		BatchID    string `json:"batch_id"`
		DeviceInfo struct {
			Model string `json:"model"`
		} `json:"device_info"`
	}
	if err := json.Unmarshal(coll.batches[0], &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if len(env.Events) != 6 {
		t.Fatalf("expected 6 events in envelope, got %d", len(env.Events))
	}
	if coll.lastPath != uploader.UploadPath {
		t.Errorf("expected path %s, got %s", uploader.UploadPath, coll.lastPath)
	}
	if coll.lastCType != "application/json" {
		t.Errorf("expected application/json, got %s", coll.lastCType)
	}
	if env.BatchID == "" {
		t.Error("expected a batch ID")
	}
	if env.Events[0].Type != types.EventScreenView {
		t.Errorf("expected first event screen_view, got %s", env.Events[0].Type)
	}

	pending, err = st.Count(ctx, store.CountUnsent)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected empty outbox after upload, got %d pending", pending)
	}

	// Delivered events survive locally until the retention horizon.
	total, err := st.Count(ctx, store.CountAll)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 retained events, got %d", total)
	}
}

// TestFailedUploadRedelivers tests that a rejected batch stays queued
// and is redelivered in full once the collector recovers.
func TestFailedUploadRedelivers(t *testing.T) {
	ctx := context.Background()

	coll := newCollector(http.StatusServiceUnavailable)
	defer coll.server.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	stats := observability.New(nil)
	stats.SetLoggedIn(true)

	for i := 0; i < 4; i++ {
		if _, err := st.Append(ctx, types.EventButtonTap, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	up := uploader.New(st, stats, uploader.Config{CollectorBaseURL: coll.server.URL})
	sched := scheduler.New(scheduler.DefaultConfig(), up, st, stats)

	if err := sched.ForceUpload(ctx); err == nil {
		t.Fatal("expected upload to fail")
	}

	pending, err := st.Count(ctx, store.CountUnsent)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 4 {
		t.Fatalf("expected batch to stay queued, got %d pending", pending)
	}

	// Collector recovers; the retry delivers the identical batch.
	coll.mu.Lock()
	coll.status = http.StatusOK
	coll.mu.Unlock()

	if err := sched.ForceUpload(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	pending, err = st.Count(ctx, store.CountUnsent)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected empty outbox after retry, got %d pending", pending)
	}
}

// TestAppLifecycle tests the full wiring through the App container,
// lifecycle signals included.
func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()

	coll := newCollector(http.StatusOK)
	defer coll.server.Close()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Collector.BaseURL = coll.server.URL
	cfg.HTTP.Addr = "" // no API server in this test
	cfg.Upload.PendingThreshold = 2

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer a.Stop()

	a.Logger().ButtonTap("one")
	a.Logger().ButtonTap("two")
	a.Logger().ButtonTap("three")

	// Login through the signal bus.
	a.Bus().Publish(lifecycle.Signal{Kind: lifecycle.LoginChanged, LoggedIn: true})

	deadline := time.Now().Add(2 * time.Second)
	for coll.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if coll.batchCount() == 0 {
		t.Fatal("login signal did not trigger an upload")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("failed to stop app: %v", err)
	}
}
