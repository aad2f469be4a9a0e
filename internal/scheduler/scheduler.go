// Package scheduler decides when the uploader runs: on a periodic
// timer, on the pending-count threshold at background transitions, on
// the login edge, or on an explicit manual trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/internal/uploader"
)

// Config holds scheduler configuration.
type Config struct {
	// Interval between periodic upload attempts.
	Interval time.Duration

	// PendingThreshold triggers an upload when the app backgrounds
	// with at least this many undelivered events.
	PendingThreshold int64

	// BackoffMin and BackoffMax bound the exponential backoff applied
	// to periodic and threshold triggers after consecutive failures.
	// Manual and login-edge triggers bypass the backoff window.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         24 * time.Hour,
		PendingThreshold: 2000,
		BackoffMin:       time.Minute,
		BackoffMax:       time.Hour,
	}
}

// Scheduler observes counters, timers, and lifecycle signals and
// invokes the uploader. Every trigger is gated on login state:
// unauthenticated sessions accumulate events locally but never
// transmit them.
type Scheduler struct {
	config   Config
	uploader *uploader.Uploader
	store    store.Store
	stats    *observability.Stats

	backoffMu   sync.Mutex
	failures    int
	nextAttempt time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Scheduler.
func New(cfg Config, up *uploader.Uploader, st store.Store, stats *observability.Stats) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Minute
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = time.Hour
	}
	return &Scheduler{
		config:   cfg,
		uploader: up,
		store:    st,
		stats:    stats,
	}
}

// Start begins the periodic trigger loop. It runs until the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(ctx, "periodic", true)
		}
	}
}

// OnBackground handles the app-entered-background signal: upload
// immediately if the pending count exceeds the threshold.
func (s *Scheduler) OnBackground(ctx context.Context) {
	if s.stats.PendingEvents() <= s.config.PendingThreshold {
		return
	}
	s.attempt(ctx, "threshold", true)
}

// OnForeground handles the app-entered-foreground signal. No trigger
// fires here; the signal is consumed so producers have one lifecycle
// surface.
func (s *Scheduler) OnForeground(ctx context.Context) {}

// OnLoginChanged handles the login-state-changed signal. The false ->
// true edge triggers an upload, flushing anything accumulated while
// logged out.
func (s *Scheduler) OnLoginChanged(ctx context.Context, loggedIn bool) {
	wasLoggedIn := s.stats.LoggedIn()
	s.stats.SetLoggedIn(loggedIn)

	if err := s.store.SetSetting(ctx, store.SettingLoginState, fmt.Sprintf("%t", loggedIn)); err != nil {
		log.Printf("scheduler: failed to persist login state: %v", err)
	}

	if !wasLoggedIn && loggedIn {
		s.attempt(ctx, "login", false)
	}
}

// ForceUpload is the manual trigger for operator and debug use. It
// bypasses the backoff window but not the login gate or the
// single-flight slot.
func (s *Scheduler) ForceUpload(ctx context.Context) error {
	return s.trigger(ctx, "manual", false)
}

// attempt runs a trigger, logging instead of propagating failures.
func (s *Scheduler) attempt(ctx context.Context, trigger string, respectBackoff bool) {
	if err := s.trigger(ctx, trigger, respectBackoff); err != nil && !errors.Is(err, uploader.ErrUploadInProgress) {
		log.Printf("scheduler: %s upload failed: %v", trigger, err)
	}
}

func (s *Scheduler) trigger(ctx context.Context, trigger string, respectBackoff bool) error {
	if !s.stats.LoggedIn() {
		return nil
	}

	if respectBackoff && s.inBackoff() {
		return nil
	}

	err := s.uploader.TryUpload(ctx)
	if errors.Is(err, uploader.ErrUploadInProgress) {
		// Coalesced: the in-flight cycle, or the next trigger, covers
		// whatever accumulated.
		return err
	}
	s.recordOutcome(err)
	return err
}

func (s *Scheduler) inBackoff() bool {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return time.Now().Before(s.nextAttempt)
}

func (s *Scheduler) recordOutcome(err error) {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()

	if err == nil {
		s.failures = 0
		s.nextAttempt = time.Time{}
		return
	}

	backoff := s.config.BackoffMin << uint(s.failures)
	if backoff > s.config.BackoffMax || backoff <= 0 {
		backoff = s.config.BackoffMax
	}
	s.failures++
	s.nextAttempt = time.Now().Add(backoff)
}
