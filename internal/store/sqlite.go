package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"

	"trade-desk/internal/logging"
)

const sqliteJournalFile = "journal.db"

// SQLiteJournal is the alternative journal backend: one row per order event
// in a WAL-mode SQLite file, indexed by order id.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS order_events (
			event_id TEXT PRIMARY KEY,
			kind     TEXT NOT NULL,
			order_id TEXT NOT NULL,
			status   TEXT NOT NULL,
			at       INTEGER NOT NULL,
			payload  BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_events_order_id ON order_events (order_id, at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create order_events: %w", err)
		}
	}
	return &SQLiteJournal{db: db, now: time.Now, log: logging.Component("journal")}, nil
}

func (j *SQLiteJournal) Record(ev OrderEvent) error {
	ev = ev.withDefaults(j.now)
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		"INSERT INTO order_events (event_id, kind, order_id, status, at, payload) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID.String(), string(ev.Kind), ev.Order.ID, string(ev.Order.Status), ev.At.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

// OrderHistory returns the events recorded for orderID, oldest first.
func (j *SQLiteJournal) OrderHistory(ctx context.Context, orderID string) ([]OrderEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT event_id, payload FROM order_events WHERE order_id = ? ORDER BY at ASC, rowid ASC", orderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		var ev OrderEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			j.log.Warn().Err(err).Str("event_id", id).Msg("skipping undecodable journal row")
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM order_events").Scan(&n)
	return n, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// SQLiteJournalPath is where the sqlite backend lives inside a state dir.
func (s *Store) SQLiteJournalPath() string {
	return filepath.Join(s.root, sqliteJournalFile)
}
