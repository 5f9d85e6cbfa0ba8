package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
)

func TestPlaceIssuesSequentialIDs(t *testing.T) {
	ex := New()
	ctx := context.Background()
	for i, want := range []string{"order1", "order2", "order3"} {
		id, err := ex.PlaceOrder(ctx, "ETH-PERPETUAL", decimal.NewFromInt(int64(40+i)), 1)
		if err != nil {
			t.Fatalf("PlaceOrder() error = %v", err)
		}
		if id != want {
			t.Fatalf("PlaceOrder() id = %q, want %q", id, want)
		}
	}
}

func TestPlaceRejectsInvalidOrder(t *testing.T) {
	ex := New()
	_, err := ex.PlaceOrder(context.Background(), "ETH-PERPETUAL", decimal.Zero, 1)
	if !errors.Is(err, core.ErrExchangeRejected) {
		t.Fatalf("PlaceOrder() error = %v, want %v", err, core.ErrExchangeRejected)
	}
}

func TestCancelTwiceRejected(t *testing.T) {
	ex := New()
	ctx := context.Background()
	id, err := ex.PlaceOrder(ctx, "ETH-PERPETUAL", decimal.NewFromInt(45), 1)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if err := ex.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if err := ex.CancelOrder(ctx, id); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelOrder(second) error = %v, want %v", err, core.ErrOrderNotFound)
	}
	state, err := ex.OrderState(ctx, id)
	if err != nil {
		t.Fatalf("OrderState() error = %v", err)
	}
	if state != core.StateCancelled {
		t.Fatalf("OrderState() = %q, want %q", state, core.StateCancelled)
	}
}

func TestFailNextIsConsumedOnce(t *testing.T) {
	ex := New()
	ctx := context.Background()
	boom := errors.New("boom")
	ex.FailNext(OpPlace, boom)
	if _, err := ex.PlaceOrder(ctx, "ETH-PERPETUAL", decimal.NewFromInt(45), 1); !errors.Is(err, boom) {
		t.Fatalf("PlaceOrder() error = %v, want %v", err, boom)
	}
	if _, err := ex.PlaceOrder(ctx, "ETH-PERPETUAL", decimal.NewFromInt(45), 1); err != nil {
		t.Fatalf("PlaceOrder(after failure) error = %v", err)
	}
}

func TestOrderBookAggregatesRestingOrders(t *testing.T) {
	ex := New()
	ctx := context.Background()
	for _, p := range []string{"45.02", "45.04", "44.10"} {
		if _, err := ex.PlaceOrder(ctx, "ETH-PERPETUAL", decimal.RequireFromString(p), 2); err != nil {
			t.Fatalf("PlaceOrder() error = %v", err)
		}
	}
	book, err := ex.OrderBook(ctx, "ETH-PERPETUAL", 2)
	if err != nil {
		t.Fatalf("OrderBook() error = %v", err)
	}
	if len(book.Bids) != 2 {
		t.Fatalf("bids = %d, want 2", len(book.Bids))
	}
	if !book.Bids[0].Price.Equal(decimal.NewFromInt(45)) || !book.Bids[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("best bid = %s x %s, want 45 x 4", book.Bids[0].Price, book.Bids[0].Quantity)
	}
	if len(book.Asks) != 2 || book.Asks[0].Price.Cmp(book.Bids[0].Price) <= 0 {
		t.Fatalf("asks = %+v, want 2 levels above best bid", book.Asks)
	}

	empty, err := ex.OrderBook(ctx, "BTC-PERPETUAL", 5)
	if err != nil {
		t.Fatalf("OrderBook(empty) error = %v", err)
	}
	if !empty.Empty() {
		t.Fatalf("OrderBook(BTC) = %+v, want empty", empty)
	}
}

func TestPositionsFilterByKind(t *testing.T) {
	ex := New()
	ex.SetPositions("eth", []core.Position{
		{InstrumentName: "ETH-PERPETUAL", Kind: "future", Size: decimal.NewFromInt(10)},
		{InstrumentName: "ETH-27DEC24-3000-C", Kind: "option", Size: decimal.NewFromInt(1)},
	})
	got, err := ex.Positions(context.Background(), "ETH", "future")
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if len(got) != 1 || got[0].InstrumentName != "ETH-PERPETUAL" {
		t.Fatalf("Positions() = %+v, want only ETH-PERPETUAL", got)
	}
}
