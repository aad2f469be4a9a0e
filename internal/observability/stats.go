// Package observability tracks the advisory process-wide counters derived
// from the event store, and exposes them as Prometheus metrics.
package observability

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulselog/pulselog/internal/store"
)

// Stats caches cheap aggregates recomputed from the store after each
// mutation. Staleness between mutation and refresh is acceptable: the
// counters drive observation and scheduling heuristics, never
// correctness decisions.
type Stats struct {
	pending  atomic.Int64
	total    atomic.Int64
	loggedIn atomic.Bool

	mu         sync.RWMutex
	lastUpload time.Time

	// metrics
	pendingGauge    prometheus.Gauge
	totalGauge      prometheus.Gauge
	lastUploadGauge prometheus.Gauge
	uploadsTotal    *prometheus.CounterVec
	sweptTotal      prometheus.Counter
}

// New creates a Stats tracker and registers its metrics with reg.
// A nil reg skips registration (library embedders that do not scrape).
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulselog_pending_events",
			Help: "Number of recorded events not yet delivered to the collector.",
		}),
		totalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulselog_total_events",
			Help: "Total number of events currently stored.",
		}),
		lastUploadGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulselog_last_upload_timestamp_seconds",
			Help: "Unix timestamp of the last successful upload.",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulselog_uploads_total",
			Help: "Upload cycles by result.",
		}, []string{"result"}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulselog_swept_events_total",
			Help: "Sent events deleted by the retention sweeper.",
		}),
	}

	if reg != nil {
		reg.MustRegister(s.pendingGauge, s.totalGauge, s.lastUploadGauge, s.uploadsTotal, s.sweptTotal)
	}

	return s
}

// Refresh recomputes the counters from the store. Called after every
// store mutation; failures are logged and leave the previous values in
// place, keeping the cache consistent with the last known durable state.
func (s *Stats) Refresh(ctx context.Context, st store.Store) {
	pending, err := st.Count(ctx, store.CountUnsent)
	if err != nil {
		log.Printf("observability: failed to refresh pending count: %v", err)
		return
	}
	total, err := st.Count(ctx, store.CountAll)
	if err != nil {
		log.Printf("observability: failed to refresh total count: %v", err)
		return
	}

	s.pending.Store(pending)
	s.total.Store(total)
	s.pendingGauge.Set(float64(pending))
	s.totalGauge.Set(float64(total))
}

// PendingEvents returns the cached count of unsent events.
func (s *Stats) PendingEvents() int64 { return s.pending.Load() }

// TotalEvents returns the cached count of stored events.
func (s *Stats) TotalEvents() int64 { return s.total.Load() }

// LoggedIn reports the cached login state.
func (s *Stats) LoggedIn() bool { return s.loggedIn.Load() }

// SetLoggedIn updates the cached login state.
func (s *Stats) SetLoggedIn(v bool) { s.loggedIn.Store(v) }

// LastUpload returns the time of the last successful upload, or the
// zero time if none has succeeded.
func (s *Stats) LastUpload() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpload
}

// SetLastUpload records the time of a successful upload.
func (s *Stats) SetLastUpload(t time.Time) {
	s.mu.Lock()
	s.lastUpload = t
	s.mu.Unlock()
	s.lastUploadGauge.Set(float64(t.Unix()))
}

// UploadSucceeded increments the success counter.
func (s *Stats) UploadSucceeded() {
	s.uploadsTotal.WithLabelValues("success").Inc()
}

// UploadFailed increments the failure counter.
func (s *Stats) UploadFailed() {
	s.uploadsTotal.WithLabelValues("failure").Inc()
}

// EventsSwept adds to the swept-events counter.
func (s *Stats) EventsSwept(n int64) {
	if n > 0 {
		s.sweptTotal.Add(float64(n))
	}
}
