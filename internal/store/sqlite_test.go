package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
)

func openTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), sqliteJournalFile))
	if err != nil {
		t.Fatalf("OpenSQLiteJournal() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournalOrderHistory(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	order := core.Order{ID: "order1", Symbol: "ETH-PERPETUAL", Price: decimal.RequireFromString("45.5"), Quantity: 2, Status: core.OrderPending}
	if err := j.Record(OrderEvent{Kind: EventPlaced, Order: order}); err != nil {
		t.Fatalf("Record(placed) error = %v", err)
	}
	other := core.Order{ID: "order2", Symbol: "BTC-PERPETUAL", Price: decimal.NewFromInt(100), Quantity: 1, Status: core.OrderPending}
	if err := j.Record(OrderEvent{Kind: EventPlaced, Order: other}); err != nil {
		t.Fatalf("Record(other) error = %v", err)
	}
	order.Status = core.OrderCanceled
	if err := j.Record(OrderEvent{Kind: EventCanceled, Order: order}); err != nil {
		t.Fatalf("Record(canceled) error = %v", err)
	}

	history, err := j.OrderHistory(context.Background(), "order1")
	if err != nil {
		t.Fatalf("OrderHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("OrderHistory() len = %d, want 2", len(history))
	}
	if history[0].Kind != EventPlaced || history[1].Kind != EventCanceled {
		t.Fatalf("kinds = %s, %s, want placed then canceled", history[0].Kind, history[1].Kind)
	}
	if !history[0].Order.Price.Equal(decimal.RequireFromString("45.5")) {
		t.Fatalf("price = %s, want 45.5", history[0].Order.Price)
	}
	if history[0].ID == history[1].ID {
		t.Fatalf("event ids not unique: %s", history[0].ID)
	}

	n, err := j.count(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("count() = %d, %v, want 3", n, err)
	}
}

func TestSQLiteJournalUnknownOrderIsEmpty(t *testing.T) {
	j := openTestJournal(t)
	history, err := j.OrderHistory(context.Background(), "missing")
	if err != nil {
		t.Fatalf("OrderHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("OrderHistory() len = %d, want 0", len(history))
	}
}

func TestSQLiteJournalReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), sqliteJournalFile)
	j, err := OpenSQLiteJournal(path)
	if err != nil {
		t.Fatalf("OpenSQLiteJournal() error = %v", err)
	}
	order := core.Order{ID: "order1", Symbol: "ETH-PERPETUAL", Price: decimal.NewFromInt(10), Quantity: 1, Status: core.OrderPending}
	if err := j.Record(OrderEvent{Kind: EventPlaced, Order: order}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = OpenSQLiteJournal(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j.Close()
	n, err := j.count(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("count() after reopen = %d, %v, want 1", n, err)
	}
}
