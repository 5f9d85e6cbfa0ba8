package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-desk/internal/core"
	"trade-desk/internal/logging"
)

type EventKind string

const (
	EventPlaced    EventKind = "placed"
	EventCanceled  EventKind = "canceled"
	EventModified  EventKind = "modified"
	EventRefreshed EventKind = "refreshed"
)

// OrderEvent is one ledger transition as written to the journal.
type OrderEvent struct {
	ID    uuid.UUID  `json:"event_id"`
	Kind  EventKind  `json:"kind"`
	Order core.Order `json:"order"`
	At    time.Time  `json:"at"`
}

func (ev OrderEvent) withDefaults(now func() time.Time) OrderEvent {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = now().UTC()
	}
	return ev
}

type OrdersSnapshot struct {
	Orders    []core.Order `json:"orders"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type RuntimeStatus struct {
	Mode      string    `json:"mode"`
	Exchange  string    `json:"exchange"`
	Listen    string    `json:"listen"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	Orders    int       `json:"orders"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`

	Connections int               `json:"connections"`
	Circuits    map[string]string `json:"circuits,omitempty"`
}

// Store owns the state directory: a daily JSONL journal of order events plus
// atomically replaced snapshot files. Nothing here is read back into the
// ledger on start.
type Store struct {
	root string
	now  func() time.Time
	log  zerolog.Logger

	mu sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, now: time.Now, log: logging.Component("store")}, nil
}

// Record appends ev to orders/<yyyy-mm-dd>.jsonl, assigning an id and
// timestamp when missing.
func (s *Store) Record(ev OrderEvent) error {
	ev = ev.withDefaults(s.now)
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "orders")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.journalPath(ev.At), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// events reads back the journal for the given day. Undecodable lines are
// skipped.
func (s *Store) events(day time.Time) ([]OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readJournal(s.journalPath(day))
}

// OrderHistory scans every daily journal file, oldest day first, for the
// events of orderID.
func (s *Store) OrderHistory(ctx context.Context, orderID string) ([]OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(s.root, "orders", "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []OrderEvent
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := s.readJournal(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.Order.ID == orderID {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (s *Store) readJournal(path string) ([]OrderEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []OrderEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev OrderEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("skipping undecodable journal line")
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

func (s *Store) SaveOrdersSnapshot(orders []core.Order) error {
	payload := OrdersSnapshot{Orders: orders, UpdatedAt: s.now().UTC()}
	if payload.Orders == nil {
		payload.Orders = make([]core.Order, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.snapshotPath(), payload)
}

func (s *Store) LoadOrdersSnapshot() (OrdersSnapshot, bool, error) {
	var snapshot OrdersSnapshot
	ok, err := readJSON(s.snapshotPath(), &snapshot)
	return snapshot, ok, err
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	return status, ok, err
}

func (s *Store) journalPath(day time.Time) string {
	return filepath.Join(s.root, "orders", day.UTC().Format("2006-01-02")+".jsonl")
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.root, "orders_snapshot.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, errors.New(filepath.Base(path) + " is empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	// Directory fsync is best effort; a failure only weakens crash durability.
	d, err := os.Open(dir)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Str("target", path).Msg("store dir fsync skipped")
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Str("target", path).Msg("store dir fsync failed")
	}
	return nil
}
