// Package lifecycle provides an in-process signal bus for application
// lifecycle and session transitions. Producers (the HTTP control surface,
// embedding hosts) publish signals; the pipeline subscribes and reacts.
package lifecycle

import (
	"log"
	"sync"
	"time"
)

// Kind identifies a lifecycle signal.
type Kind int

const (
	// Background is published when the host application moves to the background.
	Background Kind = iota
	// Foreground is published when the host application returns to the foreground.
	Foreground
	// LoginChanged is published when the session login state changes.
	LoginChanged
)

func (k Kind) String() string {
	switch k {
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	case LoginChanged:
		return "login_changed"
	default:
		return "unknown"
	}
}

// Signal is a single lifecycle notification.
type Signal struct {
	Kind Kind
	// LoggedIn carries the new session state for LoginChanged signals.
	LoggedIn  bool
	Timestamp time.Time
}

// Bus fans lifecycle signals out to subscribers. Delivery is best-effort:
// a subscriber that falls behind its buffer misses signals rather than
// blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Signal
	bufferSize  int
}

// NewBus creates a signal bus. bufferSize is the per-subscriber channel depth.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		subscribers: make(map[string]chan Signal),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber and returns its signal channel.
// Subscribing twice with the same id replaces the previous channel.
func (b *Bus) Subscribe(id string) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Signal, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers a signal to every subscriber. Signals to full
// subscriber channels are dropped.
func (b *Bus) Publish(sig Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- sig:
		default:
			log.Printf("lifecycle: subscriber %s buffer full, dropping %s signal", id, sig.Kind)
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
