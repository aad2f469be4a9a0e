// Package types provides core data types for the pulselog event pipeline.
package types

import "time"

// Event is the sole persisted entity: one recorded user or system action.
// Events are immutable once written except for the one-way Sent transition.
type Event struct {
	// ID is the time-ordered primary key for the event.
	ID EventID `json:"id"`

	// Type categorizes the event (e.g., "screen_view", "button_tap").
	Type string `json:"type"`

	// Payload contains the event-specific data as a Snappy-compressed
	// JSON blob. Nil when the event was recorded without a payload or
	// when payload serialization failed at record time.
	Payload []byte `json:"payload,omitempty"`

	// PayloadSum is the Murmur3 checksum of the payload blob, used to
	// detect corruption before decoding. Zero when Payload is nil.
	PayloadSum uint32 `json:"payload_sum,omitempty"`

	// Timestamp is when the event was recorded, assigned exactly once
	// by the store. Non-decreasing in insertion order.
	Timestamp time.Time `json:"timestamp"`

	// Sent reports whether the event has been delivered to the
	// collector. Transitions false -> true exactly once.
	Sent bool `json:"sent"`
}

// Well-known event types. The catalog is open: callers may record
// free-form custom types alongside these.
const (
	EventTabSwitch     = "tab_switch"
	EventButtonTap     = "button_tap"
	EventSwipeGesture  = "swipe_gesture"
	EventLongPress     = "long_press"
	EventTextInput     = "text_input"
	EventScreenView    = "screen_view"
	EventScreenExit    = "screen_exit"
	EventAppLaunch     = "app_launch"
	EventAppBackground = "app_background"
	EventAppForeground = "app_foreground"
	EventUserLogin     = "user_login"
	EventUserLogout    = "user_logout"
)
