// Package logger provides the typed recording façade over the event
// store: a single Record entry point for arbitrary producers plus
// convenience methods for the catalog of interaction events.
package logger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/pkg/types"
)

// queueSize bounds the in-flight record queue. When the queue is full
// the producer falls back to a synchronous append, trading latency for
// backpressure instead of dropping events.
const queueSize = 1024

type appendRequest struct {
	eventType string
	payload   types.Payload
	result    chan appendResult // nil for fire-and-forget
}

type appendResult struct {
	event *types.Event
	err   error
}

// Logger translates domain actions into store writes. All writes flow
// through a single worker goroutine so producers never block on
// storage I/O, and it owns the advisory "current screen" and "current
// tab" context attached to recorded payloads.
type Logger struct {
	store store.Store
	stats *observability.Stats

	queue chan appendRequest
	done  chan struct{}

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	mu            sync.Mutex
	currentScreen string
	enteredAt     time.Time
	currentTab    string
}

// New creates a Logger and starts its write worker.
func New(st store.Store, stats *observability.Stats) *Logger {
	l := &Logger{
		store: st,
		stats: stats,
		queue: make(chan appendRequest, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// run drains the record queue. Single consumer: appends are serialized
// here, and counters are refreshed after every successful write.
func (l *Logger) run() {
	defer close(l.done)
	for req := range l.queue {
		l.apply(req)
	}
}

func (l *Logger) apply(req appendRequest) {
	ctx := context.Background()
	event, err := l.store.Append(ctx, req.eventType, req.payload)
	if err != nil {
		// Storage failure means the operation did not happen; the
		// counters are left matching the durable state.
		log.Printf("logger: failed to record %s event: %v", req.eventType, err)
	} else {
		l.stats.Refresh(ctx, l.store)
	}
	if req.result != nil {
		req.result <- appendResult{event: event, err: err}
	}
}

// Record records an event of the given type. The write happens on the
// logger's worker, so the caller does not block on storage I/O unless
// the record queue is saturated; a saturated queue falls back to a
// synchronous append, trading latency for backpressure instead of
// dropping the event. The current screen and tab, when set, are
// attached to the payload under the "screen" and "tab" keys unless the
// caller set them.
func (l *Logger) Record(eventType string, payload types.Payload) {
	l.enqueue(appendRequest{eventType: eventType, payload: l.withContext(payload)})
}

// RecordSync records an event and waits for it to become durable.
// Used by tests and by the scheduler when durability must be observed.
func (l *Logger) RecordSync(ctx context.Context, eventType string, payload types.Payload) (*types.Event, error) {
	result := make(chan appendResult, 1)
	l.enqueue(appendRequest{eventType: eventType, payload: l.withContext(payload), result: result})
	select {
	case res := <-result:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Logger) enqueue(req appendRequest) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		// The worker is gone; append synchronously. Records that
		// arrive during shutdown stay durable while the store is
		// open, and merely log an error once it is not.
		l.apply(req)
		return
	}
	select {
	case l.queue <- req:
	default:
		// Queue saturated: apply inline. The store serializes
		// concurrent appends internally.
		l.apply(req)
	}
}

// withContext copies the payload and attaches the advisory screen/tab
// context. The caller's map is never mutated.
func (l *Logger) withContext(payload types.Payload) types.Payload {
	l.mu.Lock()
	screen, tab := l.currentScreen, l.currentTab
	l.mu.Unlock()

	if screen == "" && tab == "" {
		return payload
	}

	enriched := make(types.Payload, len(payload)+2)
	for k, v := range payload {
		enriched[k] = v
	}
	if screen != "" {
		if _, ok := enriched["screen"]; !ok {
			enriched["screen"] = types.String(screen)
		}
	}
	if tab != "" {
		if _, ok := enriched["tab"]; !ok {
			enriched["tab"] = types.String(tab)
		}
	}
	return enriched
}

// EnterScreen records a screen_view and makes name the tracked screen.
// Entering while another screen is active implicitly records that
// screen's exit first.
func (l *Logger) EnterScreen(name string) {
	now := time.Now()

	l.mu.Lock()
	prev, prevEntered := l.currentScreen, l.enteredAt
	l.currentScreen = name
	l.enteredAt = now
	l.mu.Unlock()

	if prev != "" && prev != name {
		l.enqueue(appendRequest{eventType: types.EventScreenExit, payload: exitPayload(prev, prevEntered, now)})
	}
	l.enqueue(appendRequest{eventType: types.EventScreenView, payload: types.Payload{
		"screen": types.String(name),
	}})
}

// ExitScreen records a screen_exit for name. Exits that do not match
// the tracked screen are ignored, which suppresses stale or duplicate
// exit events.
func (l *Logger) ExitScreen(name string) {
	now := time.Now()

	l.mu.Lock()
	if l.currentScreen != name {
		l.mu.Unlock()
		return
	}
	entered := l.enteredAt
	l.currentScreen = ""
	l.enteredAt = time.Time{}
	l.mu.Unlock()

	l.enqueue(appendRequest{eventType: types.EventScreenExit, payload: exitPayload(name, entered, now)})
}

func exitPayload(name string, entered, exited time.Time) types.Payload {
	p := types.Payload{
		"screen": types.String(name),
	}
	if !entered.IsZero() {
		p["duration_ms"] = types.Int(exited.Sub(entered).Milliseconds())
	}
	return p
}

// CurrentScreen returns the tracked screen name, or "" when none.
func (l *Logger) CurrentScreen() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentScreen
}

// SwitchTab records a tab_switch and makes name the current tab.
func (l *Logger) SwitchTab(name string) {
	l.mu.Lock()
	from := l.currentTab
	l.currentTab = name
	l.mu.Unlock()

	p := types.Payload{"to": types.String(name)}
	if from != "" {
		p["from"] = types.String(from)
	}
	l.enqueue(appendRequest{eventType: types.EventTabSwitch, payload: p})
}

// CurrentTab returns the current tab name, or "" when none.
func (l *Logger) CurrentTab() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTab
}

// ButtonTap records a button_tap for the named control.
func (l *Logger) ButtonTap(name string) {
	l.Record(types.EventButtonTap, types.Payload{"button": types.String(name)})
}

// SwipeGesture records a swipe_gesture in the given direction.
func (l *Logger) SwipeGesture(direction string) {
	l.Record(types.EventSwipeGesture, types.Payload{"direction": types.String(direction)})
}

// LongPress records a long_press on the named control.
func (l *Logger) LongPress(name string) {
	l.Record(types.EventLongPress, types.Payload{"target": types.String(name)})
}

// TextInput records a text_input on the named field. Only the field
// name and length are recorded, never the entered text.
func (l *Logger) TextInput(field string, length int) {
	l.Record(types.EventTextInput, types.Payload{
		"field":  types.String(field),
		"length": types.Int(int64(length)),
	})
}

// AppLaunch records an app_launch.
func (l *Logger) AppLaunch() {
	l.Record(types.EventAppLaunch, nil)
}

// AppBackground records an app_background.
func (l *Logger) AppBackground() {
	l.Record(types.EventAppBackground, nil)
}

// AppForeground records an app_foreground.
func (l *Logger) AppForeground() {
	l.Record(types.EventAppForeground, nil)
}

// UserLogin records a user_login.
func (l *Logger) UserLogin() {
	l.Record(types.EventUserLogin, nil)
}

// UserLogout records a user_logout.
func (l *Logger) UserLogout() {
	l.Record(types.EventUserLogout, nil)
}

// Close stops the worker after draining queued records. Records that
// race or follow Close are appended synchronously instead of enqueued.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		l.closeMu.Unlock()
		close(l.queue)
		<-l.done
	})
}
