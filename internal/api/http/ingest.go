package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pulselog/pulselog/internal/logger"
	"github.com/pulselog/pulselog/pkg/types"
)

// IngestRequest represents a record request: either a single event or
// a batch under "events".
type IngestRequest struct {
	Type    string          `json:"type,omitempty"`
	Payload types.Payload   `json:"payload,omitempty"`
	Events  []IngestedEvent `json:"events,omitempty"`
}

// IngestedEvent is one event in a batch ingest request.
type IngestedEvent struct {
	Type    string        `json:"type"`
	Payload types.Payload `json:"payload,omitempty"`
}

// IngestResponse represents the ingest response.
type IngestResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// IngestHandler handles POST /v1/events requests.
type IngestHandler struct {
	logger *logger.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(l *logger.Logger) *IngestHandler {
	return &IngestHandler{logger: l}
}

// ServeHTTP handles the ingest HTTP request. Recording is
// fire-and-forget: the response acknowledges acceptance, not
// durability.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	events := req.Events
	if req.Type != "" {
		events = append(events, IngestedEvent{Type: req.Type, Payload: req.Payload})
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "type or events is required", requestID)
		return
	}
	for _, e := range events {
		if e.Type == "" {
			writeError(w, http.StatusBadRequest, "event type must not be empty", requestID)
			return
		}
	}

	for _, e := range events {
		h.logger.Record(e.Type, e.Payload)
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{
		Accepted:  len(events),
		RequestID: requestID,
	})
}
