package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pulselog/pulselog/pkg/types"
)

// Store is the durable, queryable log of events.
type Store interface {
	// Append records a new event. The timestamp is assigned by the
	// store, non-decreasing in insertion order. Payload serialization
	// failure is not an error: the event is stored without a payload.
	Append(ctx context.Context, eventType string, payload types.Payload) (*types.Event, error)

	// FetchUnsent returns unsent events in ascending timestamp order,
	// ties broken by insertion order. limit <= 0 means no limit. Safe
	// to call while Append is in progress: the result is a consistent
	// snapshot.
	FetchUnsent(ctx context.Context, limit int) ([]*types.Event, error)

	// MarkSent marks the given events as delivered. Idempotent:
	// already-sent or unknown IDs are no-ops.
	MarkSent(ctx context.Context, ids []types.EventID) error

	// FetchSentBefore returns sent events with timestamps strictly
	// before the cutoff, in ascending timestamp order.
	FetchSentBefore(ctx context.Context, cutoff time.Time) ([]*types.Event, error)

	// DeleteSentBefore deletes sent events with timestamps strictly
	// before the cutoff and returns the number deleted. Unsent events
	// are never deleted regardless of age.
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteSentOlderThan deletes sent events older than the given
	// retention horizon in days.
	DeleteSentOlderThan(ctx context.Context, horizonDays int) (int64, error)

	// DeleteSentByIDs deletes the given events if they are sent and
	// returns the number deleted. Unsent or unknown IDs are no-ops.
	DeleteSentByIDs(ctx context.Context, ids []types.EventID) (int64, error)

	// Count returns the number of events matching the filter. Advisory
	// only: drives observable counters, never correctness decisions.
	Count(ctx context.Context, filter CountFilter) (int64, error)

	// GetSetting returns a durable setting value, or "" if unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting durably upserts a setting value.
	SetSetting(ctx context.Context, key, value string) error

	// Close closes the store's database connections.
	Close() error
}

// CountFilter selects which events Count considers.
type CountFilter int

const (
	CountAll CountFilter = iota
	CountUnsent
	CountSent
)

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string

	idGen *types.IDGenerator

	mu     sync.Mutex // serializes mutations and lastTS
	lastTS int64      // unix nanos of the most recent append

	insertEventStmt *sql.Stmt
}

// Open creates or opens a SQLite-backed event store at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	// Write connection: single writer with WAL mode so readers never
	// block behind an in-flight append.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers in read-only mode. WAL
	// readers see a committed snapshot, never a half-written row.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
		idGen:  types.NewIDGenerator(),
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO events (event_id, event_type, payload, payload_sum, timestamp, sent)
		VALUES (?, ?, ?, ?, ?, 0)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to prepare insert statement: %w", err)
	}
	s.insertEventStmt = insertStmt

	// Seed the monotonic clock from the newest stored event so
	// timestamps stay non-decreasing across restarts.
	if err := s.loadLastTimestamp(); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: failed to read last timestamp: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadLastTimestamp() error {
	var last sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM events`).Scan(&last)
	if err != nil {
		return err
	}
	if last.Valid {
		s.lastTS = last.Int64
	}
	return nil
}

// Append records a new event.
func (s *SQLiteStore) Append(ctx context.Context, eventType string, payload types.Payload) (*types.Event, error) {
	blob, sum, err := types.EncodePayload(payload)
	if err != nil {
		// Degrade rather than drop: an event without a payload is
		// still useful for counting and ordering.
		log.Printf("store: failed to encode payload for %s event: %v", eventType, err)
		blob, sum = nil, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixNano()
	if ts < s.lastTS {
		ts = s.lastTS
	}

	id, err := s.idGen.GenerateWithTime(time.Unix(0, ts))
	if err != nil {
		return nil, fmt.Errorf("store: failed to generate event ID: %w", err)
	}

	var blobArg interface{}
	if blob != nil {
		blobArg = blob
	}
	if _, err := s.insertEventStmt.ExecContext(ctx, id.String(), eventType, blobArg, int64(sum), ts); err != nil {
		return nil, fmt.Errorf("store: failed to insert event: %w", err)
	}
	s.lastTS = ts

	return &types.Event{
		ID:         id,
		Type:       eventType,
		Payload:    blob,
		PayloadSum: sum,
		Timestamp:  time.Unix(0, ts),
		Sent:       false,
	}, nil
}

// FetchUnsent returns unsent events in delivery order.
func (s *SQLiteStore) FetchUnsent(ctx context.Context, limit int) ([]*types.Event, error) {
	query := `
		SELECT event_id, event_type, payload, payload_sum, timestamp, sent
		FROM events
		WHERE sent = 0
		ORDER BY timestamp ASC, event_id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FetchSentBefore returns sent events older than the cutoff.
func (s *SQLiteStore) FetchSentBefore(ctx context.Context, cutoff time.Time) ([]*types.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_id, event_type, payload, payload_sum, timestamp, sent
		FROM events
		WHERE sent = 1 AND timestamp < ?
		ORDER BY timestamp ASC, event_id ASC`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: failed to fetch sent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var (
			idStr     string
			eventType string
			blob      []byte
			sum       int64
			ts        int64
			sent      int
		)
		if err := rows.Scan(&idStr, &eventType, &blob, &sum, &ts, &sent); err != nil {
			return nil, fmt.Errorf("store: failed to scan event: %w", err)
		}
		id, err := types.ParseEventID(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: invalid event ID %q: %w", idStr, err)
		}
		events = append(events, &types.Event{
			ID:         id,
			Type:       eventType,
			Payload:    blob,
			PayloadSum: uint32(sum),
			Timestamp:  time.Unix(0, ts),
			Sent:       sent != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate events: %w", err)
	}
	return events, nil
}

// markSentChunk is the maximum number of IDs per UPDATE, kept under
// SQLite's bound-parameter limit.
const markSentChunk = 500

// MarkSent marks the given events as delivered.
func (s *SQLiteStore) MarkSent(ctx context.Context, ids []types.EventID) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(ids); start += markSentChunk {
		end := start + markSentChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id.String()
		}

		query := fmt.Sprintf(`UPDATE events SET sent = 1 WHERE sent = 0 AND event_id IN (%s)`, placeholders)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: failed to mark events sent: %w", err)
		}
	}

	return nil
}

// DeleteSentBefore deletes sent events older than the cutoff.
func (s *SQLiteStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE sent = 1 AND timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete sent events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count deleted events: %w", err)
	}
	return n, nil
}

// DeleteSentByIDs deletes the given events if they are sent.
func (s *SQLiteStore) DeleteSentByIDs(ctx context.Context, ids []types.EventID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for start := 0; start < len(ids); start += markSentChunk {
		end := start + markSentChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id.String()
		}

		query := fmt.Sprintf(`DELETE FROM events WHERE sent = 1 AND event_id IN (%s)`, placeholders)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return deleted, fmt.Errorf("store: failed to delete events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("store: failed to count deleted events: %w", err)
		}
		deleted += n
	}

	return deleted, nil
}

// DeleteSentOlderThan deletes sent events older than the retention horizon.
func (s *SQLiteStore) DeleteSentOlderThan(ctx context.Context, horizonDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -horizonDays)
	return s.DeleteSentBefore(ctx, cutoff)
}

// Count returns the number of events matching the filter.
func (s *SQLiteStore) Count(ctx context.Context, filter CountFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM events`
	switch filter {
	case CountUnsent:
		query += ` WHERE sent = 0`
	case CountSent:
		query += ` WHERE sent = 1`
	}

	var n int64
	if err := s.readDB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count events: %w", err)
	}
	return n, nil
}

// GetSetting returns a durable setting value, or "" if unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting durably upserts a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: failed to write setting %s: %w", key, err)
	}
	return nil
}

// Close closes the store's database connections.
func (s *SQLiteStore) Close() error {
	if s.insertEventStmt != nil {
		s.insertEventStmt.Close()
	}
	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = fmt.Errorf("store: failed to close read database: %w", err)
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: failed to close database: %w", err)
	}
	return firstErr
}
