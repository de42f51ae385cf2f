package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TripLog keeps a permanent history of circuit breaker trips and resets in
// its own small database, outside the trade journal. Trips are rare and
// operators want them reviewable across many sessions.
type TripLog struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// TripRecord is one breaker transition.
type TripRecord struct {
	ID        int64   `json:"id"`
	Timestamp int64   `json:"ts"`
	Event     string  `json:"event"` // "trip" | "reset"
	Reason    string  `json:"reason"`
	Actor     string  `json:"actor,omitempty"`
	Equity    float64 `json:"equity"`
}

func OpenTripLog(path string) (*TripLog, error) {
	if path == "" {
		return nil, fmt.Errorf("trip log path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureTripLogSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &TripLog{db: db, path: path}, nil
}

func ensureTripLogSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS breaker_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			event TEXT NOT NULL,
			reason TEXT,
			actor TEXT,
			equity REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_breaker_events_ts_id ON breaker_events(ts DESC, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("trip log schema: %w", err)
		}
	}
	return nil
}

func (t *TripLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

func (t *TripLog) RecordTrip(reason string, equity float64) error {
	return t.insert("trip", reason, "", equity)
}

func (t *TripLog) RecordReset(actor, priorReason string, equity float64) error {
	return t.insert("reset", priorReason, actor, equity)
}

func (t *TripLog) insert(event, reason, actor string, equity float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return fmt.Errorf("trip log is closed")
	}
	_, err := t.db.Exec(
		`INSERT INTO breaker_events (ts, event, reason, actor, equity) VALUES (?, ?, ?, ?, ?)`,
		time.Now().Unix(), event, reason, actor, equity,
	)
	return err
}

func (t *TripLog) Recent(limit int) ([]TripRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil, fmt.Errorf("trip log is closed")
	}
	rows, err := t.db.Query(
		`SELECT id, ts, event, reason, actor, equity FROM breaker_events ORDER BY ts DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TripRecord
	for rows.Next() {
		var rec TripRecord
		var reason, actor sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Event, &reason, &actor, &rec.Equity); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.Actor = actor.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
