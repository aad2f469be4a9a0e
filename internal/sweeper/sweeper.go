// Package sweeper bounds storage growth by deleting sent events past
// the retention horizon. Unsent events are never deleted regardless
// of age.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/storage"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/pkg/types"
)

// Config holds sweeper configuration.
type Config struct {
	// HorizonDays is the retention horizon: sent events older than
	// this are eligible for deletion.
	HorizonDays int

	// CheckInterval is how often the sweeper runs.
	CheckInterval time.Duration
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		HorizonDays:   30,
		CheckInterval: 6 * time.Hour,
	}
}

// Sweeper periodically purges expired sent events. When an archive
// sink is configured, each expired batch is exported there before
// deletion; the cycle deletes exactly the archived set, and an archive
// failure aborts the cycle without deleting.
type Sweeper struct {
	config  Config
	store   store.Store
	stats   *observability.Stats
	archive storage.ObjectStorage // nil disables archiving
	idGen   *types.IDGenerator

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Sweeper. archive may be nil to disable archiving.
func New(cfg Config, st store.Store, stats *observability.Stats, archive storage.ObjectStorage) *Sweeper {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 30
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 6 * time.Hour
	}
	return &Sweeper{
		config:  cfg,
		store:   st,
		stats:   stats,
		archive: archive,
		idGen:   types.NewIDGenerator(),
	}
}

// Start begins the sweep loop. It runs until the context is cancelled
// or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() error {
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

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				// Retried on the next scheduled run; never fatal to
				// any other component.
				log.Printf("sweeper: sweep failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single sweep cycle and returns the number of
// events deleted.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.config.HorizonDays)

	var deleted int64
	var err error
	if s.archive != nil {
		// The expired batch is fetched once; archiving and deletion
		// then cover exactly that set. An event that becomes sent
		// mid-cycle waits for the next cycle instead of slipping past
		// the archive.
		var ids []types.EventID
		ids, err = s.archiveExpired(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("sweeper: archive failed, skipping delete: %w", err)
		}
		deleted, err = s.store.DeleteSentByIDs(ctx, ids)
	} else {
		deleted, err = s.store.DeleteSentBefore(ctx, cutoff)
	}
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.stats.EventsSwept(deleted)
		s.stats.Refresh(ctx, s.store)
		log.Printf("sweeper: deleted %d sent events older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

// archivedEvent is the export form of an event.
type archivedEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Payload   types.Payload `json:"payload,omitempty"`
}

// archiveExpired exports the expired batch as one Snappy-compressed
// JSON object per cycle and returns the archived event IDs.
func (s *Sweeper) archiveExpired(ctx context.Context, cutoff time.Time) ([]types.EventID, error) {
	events, err := s.store.FetchSentBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	archived := make([]archivedEvent, 0, len(events))
	ids := make([]types.EventID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
		payload, err := types.DecodePayload(e.Payload, e.PayloadSum)
		if err != nil {
			log.Printf("sweeper: archiving event %s without corrupt payload: %v", e.ID, err)
			payload = nil
		}
		archived = append(archived, archivedEvent{
			ID:        e.ID.String(),
			Type:      e.Type,
			Timestamp: e.Timestamp.Unix(),
			Payload:   payload,
		})
	}

	raw, err := json.Marshal(archived)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize archive: %w", err)
	}

	id, err := s.idGen.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate archive ID: %w", err)
	}
	objectPath := fmt.Sprintf("archive/%s/%s.json.snappy", time.Now().UTC().Format("2006-01-02"), id)

	if err := s.archive.Put(ctx, objectPath, snappy.Encode(nil, raw)); err != nil {
		return nil, err
	}

	log.Printf("sweeper: archived %d events to %s", len(archived), objectPath)
	return ids, nil
}
