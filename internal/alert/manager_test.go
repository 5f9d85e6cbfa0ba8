package alert

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func waitEntered(t *testing.T, spy *notifierSpy) {
	t.Helper()
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(spy, Options{Mode: "testnet", Exchange: "deribit", Now: func() time.Time { return at }})
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("circuit_breaker_trip", map[string]string{"action": "place", "consecutive_failures": "5"})
	m.Important("exchange_auth_failed", nil)
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	want := strings.Join([]string{
		"[trade-desk] important",
		"time: 2026-03-01T12:00:00Z",
		"mode: testnet",
		"exchange: deribit",
		"event: circuit_breaker_trip",
		"action: place",
		"consecutive_failures: 5",
	}, "\n")
	if msgs[0] != want {
		t.Fatalf("first message = %q, want %q", msgs[0], want)
	}
}

func TestManagerIgnoresEventsAfterClose(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager(spy, Options{})
	closeManager(t, m)
	m.Important("late", nil)
	closeManager(t, m)
	if got := spy.messages(); len(got) != 0 {
		t.Fatalf("messages after close = %q, want none", got)
	}
}

func TestNilManagerIsNoop(t *testing.T) {
	m := NewManager(nil, Options{})
	if m != nil {
		t.Fatalf("NewManager(nil) = %v, want nil", m)
	}
	m.Important("anything", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil manager error = %v", err)
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, Options{})
	m.Important("seed", nil)
	waitEntered(t, spy)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}
	close(block)
	closeManager(t, m)
}

func TestManagerTracksDroppedCount(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, Options{QueueSize: 1})

	m.Important("seed", nil)
	waitEntered(t, spy)
	// The notifier is parked on seed; one event fits the queue, the rest drop.
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", nil)
	}

	total, window := m.dropped()
	if total != 10 || window != 10 {
		t.Fatalf("dropped() = %d/%d, want 10/10", total, window)
	}
	close(block)
	closeManager(t, m)
}

func TestManagerPeriodicDropReportResetsWindow(t *testing.T) {
	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, Options{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
		Logger:             &logger,
	})

	m.Important("seed", nil)
	waitEntered(t, spy)
	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for !strings.Contains(logs.String(), "alert drop report") {
		if time.Now().After(deadline) {
			t.Fatalf("missing drop report log, got: %s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, window := m.dropped(); window != 0 {
		t.Fatalf("dropped window = %d, want 0 after report", window)
	}
	if !strings.Contains(logs.String(), `"dropped_since_last":3`) {
		t.Fatalf("drop report missing count, got: %s", logs.String())
	}
	close(block)
	closeManager(t, m)
}
