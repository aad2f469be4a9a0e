// Package store provides the durable event store backing the telemetry
// pipeline. An events table is the outbox; a settings table holds the
// small set of durable process-wide values.
package store

// CreateEventsTableSQL creates the core events table. The payload is an
// opaque Snappy-compressed JSON blob the store never interprets;
// payload_sum carries its Murmur3 checksum for corruption detection.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    payload BLOB,
    payload_sum INTEGER NOT NULL DEFAULT 0,
    timestamp INTEGER NOT NULL,
    sent INTEGER NOT NULL DEFAULT 0
)`

// CreateEventsIndexesSQL creates indexes for the two hot paths: the
// unsent batch fetch and the retention sweep over sent rows.
var CreateEventsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_unsent ON events(timestamp, event_id)
		WHERE sent = 0`,

	`CREATE INDEX IF NOT EXISTS idx_events_sent_time ON events(timestamp)
		WHERE sent = 1`,
}

// CreateSettingsTableSQL creates the settings table for durable
// process-wide state (last upload date, login state).
const CreateSettingsTableSQL = `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateEventsTableSQL,
		CreateSettingsTableSQL,
	}
	stmts = append(stmts, CreateEventsIndexesSQL...)
	return stmts
}

// Well-known settings keys.
const (
	SettingLastUploadDate = "last_upload_date"
	SettingLoginState     = "login_state"
)
