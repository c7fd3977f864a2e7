package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wioota/devloop/pkg/event"
)

// DefaultCap bounds the number of journaled events kept on disk.
const DefaultCap = 10000

// DB is the optional SQLite event journal (events.db). Every event
// admitted to the bus is recorded for debugging and replay inspection.
type DB struct {
	db  *sql.DB
	cap int
}

// Record is one journaled event row.
type Record struct {
	ID            string
	Type          string
	Timestamp     time.Time
	Source        string
	Priority      string
	CorrelationID string
	Payload       map[string]string
}

// Open opens or creates the journal at the given path.
func Open(dbPath string, keep int) (*DB, error) {
	if keep <= 0 {
		keep = DefaultCap
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	// WAL keeps journal writes off the daemon's hot path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			source TEXT,
			priority TEXT,
			correlation_id TEXT,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &DB{db: db, cap: keep}, nil
}

// Close closes the journal.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record appends one event and trims the journal to its ring cap.
func (d *DB) Record(ev *event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO events (id, type, timestamp, source, priority, correlation_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Timestamp, ev.Source,
		ev.Meta.Priority.String(), ev.Meta.CorrelationID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to journal event: %w", err)
	}

	_, err = d.db.Exec(
		`DELETE FROM events WHERE seq <= (
			SELECT seq FROM events ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, d.cap)
	if err != nil {
		return fmt.Errorf("failed to trim event journal: %w", err)
	}
	return nil
}

// Recent returns up to limit journaled events, newest first.
func (d *DB) Recent(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT id, type, timestamp, source, priority, correlation_id, payload
		 FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event journal: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &r.Type, &r.Timestamp, &r.Source, &r.Priority, &r.CorrelationID, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
				r.Payload = nil
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// CountByType returns journaled event counts grouped by type.
func (d *DB) CountByType() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
