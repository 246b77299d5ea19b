package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event database shared by the CLI and the listener
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection so the pragmas below apply to every statement
	conn.SetMaxOpenConns(1)

	// The listener and the CLI write concurrently from separate processes
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=2000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) initSchema() error {
	schema := `
	-- Start, stop and remote configuration steps
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		component TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Webhook requests handled by the listener
	CREATE TABLE IF NOT EXISTS speech_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		text_length INTEGER NOT NULL,
		backend TEXT,
		outcome TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_component ON lifecycle_events(component);
	CREATE INDEX IF NOT EXISTS idx_speech_requests_timestamp ON speech_requests(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// LifecycleEvent is one recorded lifecycle step
type LifecycleEvent struct {
	ID        int64
	Component string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogLifecycleEvent records a lifecycle step such as "listener started"
func (db *DB) LogLifecycleEvent(component, eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO lifecycle_events (component, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		component, eventType, details, time.Now(),
	)
}

// SpeechRequest is one webhook request and how its playback ended
type SpeechRequest struct {
	ID         int64
	RequestID  string
	TextLength int
	Backend    string
	Outcome    string
	Timestamp  time.Time
}

// LogSpeechRequest records the outcome of a webhook request
func (db *DB) LogSpeechRequest(requestID string, textLength int, backend, outcome string) error {
	return db.execWithRetry(
		`INSERT INTO speech_requests (request_id, text_length, backend, outcome, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, textLength, backend, outcome, time.Now(),
	)
}

// execWithRetry retries briefly while another process holds the write lock.
// Logging is best-effort and must never stall the caller for long.
func (db *DB) execWithRetry(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

// GetRecentLifecycleEvents returns the newest lifecycle events first
func (db *DB) GetRecentLifecycleEvents(limit int) ([]LifecycleEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, component, event_type, COALESCE(details, ''), timestamp
		 FROM lifecycle_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		if err := rows.Scan(&e.ID, &e.Component, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentSpeechRequests returns the newest speech requests first
func (db *DB) GetRecentSpeechRequests(limit int) ([]SpeechRequest, error) {
	rows, err := db.conn.Query(
		`SELECT id, request_id, text_length, COALESCE(backend, ''), outcome, timestamp
		 FROM speech_requests
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []SpeechRequest
	for rows.Next() {
		var r SpeechRequest
		if err := rows.Scan(&r.ID, &r.RequestID, &r.TextLength, &r.Backend, &r.Outcome, &r.Timestamp); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// GetLastEventPerComponent returns the most recent lifecycle event of each component
func (db *DB) GetLastEventPerComponent() ([]LifecycleEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, component, event_type, COALESCE(details, ''), timestamp
		 FROM lifecycle_events
		 WHERE id IN (
			 SELECT MAX(id)
			 FROM lifecycle_events
			 GROUP BY component
		 )
		 ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		if err := rows.Scan(&e.ID, &e.Component, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
