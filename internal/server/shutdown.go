// Package server provides server lifecycle management including graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownManager coordinates graceful shutdown: signal handling,
// ordered resource cleanup, and shutdown callbacks.
type ShutdownManager struct {
	shutdownTimeout time.Duration

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	isShuttingDown atomic.Bool

	// Closers to clean up on shutdown, closed in reverse order of
	// registration so dependents close before their dependencies.
	closers   []io.Closer
	closersMu sync.Mutex

	onShutdownStart []func()
	callbacksMu     sync.Mutex
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(shutdownTimeout time.Duration) *ShutdownManager {
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: shutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown (LIFO).
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// OnShutdownStart registers a callback invoked when shutdown begins,
// before any closer runs.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// ListenForSignals blocks until SIGTERM/SIGINT or context cancellation,
// then runs graceful shutdown.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(ctx, fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown initiates graceful shutdown with the given reason.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		sm.isShuttingDown.Store(true)
		close(sm.shutdownCh)

		sm.callbacksMu.Lock()
		startCallbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range startCallbacks {
			fn()
		}

		_, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("close failed: %w", err)
			}
		}
	})

	return shutdownErr
}

// IsShuttingDown reports whether shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// ShutdownCh returns a channel closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}
