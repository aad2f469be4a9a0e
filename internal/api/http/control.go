package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pulselog/pulselog/internal/lifecycle"
	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/scheduler"
	"github.com/pulselog/pulselog/internal/uploader"
)

// StatusResponse reports the pipeline's observable state.
type StatusResponse struct {
	PendingEvents int64  `json:"pending_events"`
	TotalEvents   int64  `json:"total_events"`
	LoggedIn      bool   `json:"logged_in"`
	LastUpload    string `json:"last_upload,omitempty"`
	RequestID     string `json:"request_id"`
}

// StatusHandler handles GET /v1/status requests.
type StatusHandler struct {
	stats *observability.Stats
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(stats *observability.Stats) *StatusHandler {
	return &StatusHandler{stats: stats}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatusResponse{
		PendingEvents: h.stats.PendingEvents(),
		TotalEvents:   h.stats.TotalEvents(),
		LoggedIn:      h.stats.LoggedIn(),
		RequestID:     requestID,
	}
	if last := h.stats.LastUpload(); !last.IsZero() {
		resp.LastUpload = last.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// UploadHandler handles POST /v1/upload: the manual force-upload trigger.
type UploadHandler struct {
	scheduler *scheduler.Scheduler
}

// NewUploadHandler creates a new upload trigger handler.
func NewUploadHandler(s *scheduler.Scheduler) *UploadHandler {
	return &UploadHandler{scheduler: s}
}

func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	err := h.scheduler.ForceUpload(r.Context())
	if errors.Is(err, uploader.ErrUploadInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status":     "upload already in progress",
			"request_id": requestID,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upload failed: %v", err), requestID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"request_id": requestID,
	})
}

// SessionRequest carries a login-state-changed signal.
type SessionRequest struct {
	LoggedIn bool `json:"logged_in"`
}

// SessionHandler handles POST /v1/session requests. It publishes a
// LoginChanged signal; the pipeline dispatcher applies it.
type SessionHandler struct {
	bus *lifecycle.Bus
}

// NewSessionHandler creates a new session signal handler.
func NewSessionHandler(bus *lifecycle.Bus) *SessionHandler {
	return &SessionHandler{bus: bus}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	h.bus.Publish(lifecycle.Signal{Kind: lifecycle.LoginChanged, LoggedIn: req.LoggedIn})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"request_id": requestID,
	})
}

// LifecycleRequest carries an app lifecycle transition.
type LifecycleRequest struct {
	State string `json:"state"` // "background" or "foreground"
}

// LifecycleHandler handles POST /v1/lifecycle requests.
type LifecycleHandler struct {
	bus *lifecycle.Bus
}

// NewLifecycleHandler creates a new lifecycle signal handler.
func NewLifecycleHandler(bus *lifecycle.Bus) *LifecycleHandler {
	return &LifecycleHandler{bus: bus}
}

func (h *LifecycleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	switch req.State {
	case "background":
		h.bus.Publish(lifecycle.Signal{Kind: lifecycle.Background})
	case "foreground":
		h.bus.Publish(lifecycle.Signal{Kind: lifecycle.Foreground})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown lifecycle state: %q", req.State), requestID)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"request_id": requestID,
	})
}
