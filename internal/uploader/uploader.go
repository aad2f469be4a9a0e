// Package uploader implements one complete upload cycle: fetch the
// unsent batch, serialize the collector envelope, POST it, and mark
// the batch sent on acknowledgement.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/pkg/types"
)

// UploadPath is the collector endpoint, relative to the base URL.
const UploadPath = "/analytics/batch_upload"

// ErrUploadInProgress is returned by TryUpload when another cycle holds
// the single-flight slot. Callers coalesce: the next trigger picks up
// anything accumulated meanwhile.
var ErrUploadInProgress = errors.New("uploader: upload already in progress")

// DeviceInfo identifies the reporting device in the upload envelope.
type DeviceInfo struct {
	Model         string `json:"model"`
	SystemVersion string `json:"system_version"`
	AppVersion    string `json:"app_version"`
}

// Config holds uploader configuration.
type Config struct {
	// CollectorBaseURL is the collector base URL; the upload path is
	// appended to it.
	CollectorBaseURL string

	// RequestTimeout bounds each POST so a hung request cannot pin the
	// in-progress slot forever.
	RequestTimeout time.Duration

	// BatchLimit caps events per cycle. 0 means unlimited.
	BatchLimit int

	// Device is attached to every envelope.
	Device DeviceInfo
}

// envelopeEvent is an event flattened for transmission.
type envelopeEvent struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Payload   types.Payload `json:"payload,omitempty"`
}

// envelope is the collector wire format.
type envelope struct {
	Events          []envelopeEvent `json:"events"`
	BatchID         string          `json:"batch_id"`
	UploadTimestamp int64           `json:"upload_timestamp"`
	DeviceInfo      DeviceInfo      `json:"device_info"`
}

// Uploader drains the outbox one batch per cycle.
type Uploader struct {
	store    store.Store
	stats    *observability.Stats
	client   *http.Client
	endpoint string
	limit    int
	device   DeviceInfo

	inFlight atomic.Bool
}

// New creates an Uploader.
func New(st store.Store, stats *observability.Stats, cfg Config) *Uploader {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Uploader{
		store:    st,
		stats:    stats,
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimSuffix(cfg.CollectorBaseURL, "/") + UploadPath,
		limit:    cfg.BatchLimit,
		device:   cfg.Device,
	}
}

// TryUpload runs an upload cycle unless one is already in flight.
func (u *Uploader) TryUpload(ctx context.Context) error {
	if !u.inFlight.CompareAndSwap(false, true) {
		return ErrUploadInProgress
	}
	defer u.inFlight.Store(false)

	return u.uploadOnce(ctx)
}

// uploadOnce performs a single cycle. Any failure leaves the store
// untouched: the batch stays unsent and eligible for the next trigger.
func (u *Uploader) uploadOnce(ctx context.Context) error {
	events, err := u.store.FetchUnsent(ctx, u.limit)
	if err != nil {
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: failed to fetch batch: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(u.buildEnvelope(events))
	if err != nil {
		// Abort before any network call.
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: failed to serialize envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: transport failure: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: collector returned status %d", resp.StatusCode)
	}

	// Acknowledged: mark exactly the fetched batch sent. Events
	// appended during the request stay unsent for the next cycle.
	ids := make([]types.EventID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := u.store.MarkSent(ctx, ids); err != nil {
		u.stats.UploadFailed()
		return fmt.Errorf("uploader: delivered but failed to mark batch sent: %w", err)
	}

	now := time.Now()
	if err := u.store.SetSetting(ctx, store.SettingLastUploadDate, now.UTC().Format(time.RFC3339)); err != nil {
		log.Printf("uploader: failed to persist last upload date: %v", err)
	}
	u.stats.SetLastUpload(now)
	u.stats.Refresh(ctx, u.store)
	u.stats.UploadSucceeded()

	log.Printf("uploader: delivered %d events", len(events))
	return nil
}

// buildEnvelope flattens events into the wire format. A payload that
// fails checksum or decoding is omitted; the event's type and
// timestamp are still delivered.
func (u *Uploader) buildEnvelope(events []*types.Event) envelope {
	flat := make([]envelopeEvent, 0, len(events))
	for _, e := range events {
		payload, err := types.DecodePayload(e.Payload, e.PayloadSum)
		if err != nil {
			log.Printf("uploader: dropping corrupt payload for event %s: %v", e.ID, err)
			payload = nil
		}
		flat = append(flat, envelopeEvent{
			Type:      e.Type,
			Timestamp: e.Timestamp.Unix(),
			Payload:   payload,
		})
	}

	return envelope{
		Events:          flat,
		BatchID:         uuid.New().String(),
		UploadTimestamp: time.Now().Unix(),
		DeviceInfo:      u.device,
	}
}
