package protocol

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
	"trade-desk/internal/exchange/paper"
	"trade-desk/internal/ledger"
)

type panickyExchange struct {
	*paper.Exchange
}

func (panickyExchange) OrderBook(context.Context, string, int) (core.OrderBook, error) {
	panic("book decoder exploded")
}

func newTestHandler(t *testing.T) (*Handler, *paper.Exchange, *ledger.Ledger) {
	t.Helper()
	ex := paper.New()
	l := ledger.New(ex)
	return NewHandler(l, ex, StandardDefaults()), ex, l
}

func handle(t *testing.T, h *Handler, line string) string {
	t.Helper()
	reply, ok := h.Handle(context.Background(), line)
	if !ok {
		t.Fatalf("Handle(%q) ok = false, want a reply", line)
	}
	return reply
}

func TestHandlePlaceOrderScenario(t *testing.T) {
	h, _, l := newTestHandler(t)
	reply := handle(t, h, "place_order ETH-PERPETUAL 45.0 1")
	want := "Your order for 1 ETH-PERPETUAL at price 45 has been placed successfully. Order ID: order1\n"
	if reply != want {
		t.Fatalf("Handle() = %q, want %q", reply, want)
	}
	orders := l.All()
	if len(orders) != 1 {
		t.Fatalf("ledger len = %d, want 1", len(orders))
	}
	o := orders[0]
	if o.ID != "order1" || o.Symbol != "ETH-PERPETUAL" || !o.Price.Equal(decimal.RequireFromString("45.0")) || o.Quantity != 1 || o.Status != core.OrderPending {
		t.Fatalf("ledger order = %+v, want {order1 ETH-PERPETUAL 45.0 1 Pending}", o)
	}
}

func TestHandleCancelUnknownIDScenario(t *testing.T) {
	h, _, l := newTestHandler(t)
	handle(t, h, "place_order ETH-PERPETUAL 45.0 1")
	before := l.All()

	reply := handle(t, h, "cancel_order invalid_id")
	if reply != "Error: Failed to cancel order. Please check the order ID and try again.\n" {
		t.Fatalf("Handle(cancel) = %q", reply)
	}
	if after := l.All(); len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("ledger changed: before %+v after %+v", before, after)
	}
}

func TestHandleViewOrdersEmptyScenario(t *testing.T) {
	h, _, _ := newTestHandler(t)
	if reply := handle(t, h, "view_orders"); reply != "You have no orders at the moment.\n" {
		t.Fatalf("Handle(view_orders) = %q", reply)
	}
	if reply := handle(t, h, "view_open_orders"); reply != "You have no open orders at the moment.\n" {
		t.Fatalf("Handle(view_open_orders) = %q", reply)
	}
}

func TestHandleOrderLifecycle(t *testing.T) {
	h, _, _ := newTestHandler(t)
	handle(t, h, "place_order ETH-PERPETUAL 400 1")
	handle(t, h, "place_order BTC-PERPETUAL 61000 2")

	want := "Here are your current orders:\n" +
		"Order ID: order1, Symbol: ETH-PERPETUAL, Price: 400, Quantity: 1, Status: Pending\n" +
		"Order ID: order2, Symbol: BTC-PERPETUAL, Price: 61000, Quantity: 2, Status: Pending\n"
	if reply := handle(t, h, "view_orders"); reply != want {
		t.Fatalf("Handle(view_orders) = %q, want %q", reply, want)
	}

	if reply := handle(t, h, "modify_order order1 450 2"); reply != "Your order with ID order1 has been updated to price 450 and quantity 2.\n" {
		t.Fatalf("Handle(modify) = %q", reply)
	}
	if reply := handle(t, h, "track_order order1"); reply != "Order order1 is Modified.\n" {
		t.Fatalf("Handle(track) = %q", reply)
	}
	if reply := handle(t, h, "refresh_order order2"); reply != "Order order2 is Active on the exchange side.\n" {
		t.Fatalf("Handle(refresh) = %q", reply)
	}
	open := handle(t, h, "view_open_orders")
	if !strings.HasPrefix(open, "Here are your open orders:\n") || strings.Contains(open, "order1") || !strings.Contains(open, "order2") {
		t.Fatalf("Handle(view_open_orders) = %q, want only order2", open)
	}

	if reply := handle(t, h, "cancel_order order1"); reply != "Your order with ID order1 has been canceled successfully.\n" {
		t.Fatalf("Handle(cancel) = %q", reply)
	}
	if reply := handle(t, h, "cancel_order order1"); reply != "Error: Failed to cancel order. Please check the order ID and try again.\n" {
		t.Fatalf("Handle(second cancel) = %q", reply)
	}
	if reply := handle(t, h, "modify_order order1 460 3"); reply != "Error: Failed to modify order. Please check the order ID and try again.\n" {
		t.Fatalf("Handle(modify canceled) = %q", reply)
	}
	if reply := handle(t, h, "track_order nope"); reply != "Error: Failed to track order. Please check the order ID and try again.\n" {
		t.Fatalf("Handle(track unknown) = %q", reply)
	}
}

func TestHandleMissingArguments(t *testing.T) {
	h, _, l := newTestHandler(t)
	cases := map[string]string{
		"cancel_order":                    "Error: Order ID is required to cancel an order.\n",
		"modify_order":                    "Error: Order ID is required to modify an order.\n",
		"track_order":                     "Error: Order ID is required to track an order.\n",
		"refresh_order":                   "Error: Order ID is required to refresh an order.\n",
		"view_order_book ETH-PERPETUAL 0": "Error: Symbol and depth are required to view the order book.\n",
	}
	for line, want := range cases {
		if reply := handle(t, h, line); reply != want {
			t.Fatalf("Handle(%q) = %q, want %q", line, reply, want)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("ledger len = %d, want 0", l.Len())
	}
}

func TestHandleStrictMode(t *testing.T) {
	ex := paper.New()
	l := ledger.New(ex)
	d := StandardDefaults()
	d.Strict = true
	h := NewHandler(l, ex, d)

	if reply := handle(t, h, "place_order ETH-PERPETUAL"); reply != "Error: Symbol, price and quantity are required to place an order.\n" {
		t.Fatalf("Handle(strict place) = %q", reply)
	}
	if reply := handle(t, h, "modify_order order1"); reply != "Error: Order ID, new price and new quantity are required to modify an order.\n" {
		t.Fatalf("Handle(strict modify) = %q", reply)
	}
	if reply := handle(t, h, "view_positions"); reply != "Error: Symbol and instrument type are required to view positions.\n" {
		t.Fatalf("Handle(strict positions) = %q", reply)
	}
	if l.Len() != 0 {
		t.Fatalf("ledger len = %d, want 0", l.Len())
	}
}

func TestHandleInvalidAndFailedPlace(t *testing.T) {
	h, ex, l := newTestHandler(t)
	if reply := handle(t, h, "place_order ETH-PERPETUAL -5 1"); reply != "Error: Invalid order. Price and quantity must be greater than zero.\n" {
		t.Fatalf("Handle(negative price) = %q", reply)
	}
	ex.FailNext(paper.OpPlace, fmt.Errorf("%w: timeout", core.ErrTransport))
	if reply := handle(t, h, "place_order ETH-PERPETUAL 45 1"); reply != "Error: Failed to place order. Please try again.\n" {
		t.Fatalf("Handle(transport failure) = %q", reply)
	}
	if l.Len() != 0 {
		t.Fatalf("ledger len = %d, want 0", l.Len())
	}
}

func TestHandleUnknownAndBlank(t *testing.T) {
	h, _, _ := newTestHandler(t)
	if reply := handle(t, h, "sell_everything"); reply != "Error: Unknown command. Please check the command and try again.\n" {
		t.Fatalf("Handle(unknown) = %q", reply)
	}
	if reply, ok := h.Handle(context.Background(), "   \n"); ok || reply != "" {
		t.Fatalf("Handle(blank) = %q, %v; want no reply", reply, ok)
	}
	if reply := handle(t, h, "help"); reply != WelcomeText() {
		t.Fatalf("Handle(help) = %q, want welcome text", reply)
	}
}

func TestHandleNotReady(t *testing.T) {
	h := NewHandler(nil, paper.New(), StandardDefaults())
	if reply := handle(t, h, "view_orders"); reply != "Error: The system is not ready. Please try again later." {
		t.Fatalf("Handle() = %q", reply)
	}
}

func TestHandleOrderBook(t *testing.T) {
	h, ex, _ := newTestHandler(t)
	emptyWant := "Order book for ETH-PERPETUAL with depth 2:\n" +
		"  No bids available.\n" +
		"  No asks available.\n"
	if reply := handle(t, h, "view_order_book ETH-PERPETUAL 2"); reply != emptyWant {
		t.Fatalf("Handle(empty book) = %q, want %q", reply, emptyWant)
	}

	handle(t, h, "place_order ETH-PERPETUAL 45.0 3")
	reply := handle(t, h, "view_order_book ETH-PERPETUAL 1")
	want := "Order book for ETH-PERPETUAL with depth 1:\n" +
		"Bids:\n  Price: 45, Quantity: 3\n" +
		"Asks:\n  Price: 45.05, Quantity: 10\n"
	if reply != want {
		t.Fatalf("Handle(book) = %q, want %q", reply, want)
	}

	ex.FailNext(paper.OpBook, fmt.Errorf("%w: reset", core.ErrTransport))
	if reply := handle(t, h, "view_order_book ETH-PERPETUAL 1"); reply != "Error: Order book is empty or could not be fetched." {
		t.Fatalf("Handle(book failure) = %q", reply)
	}
}

func TestHandlePositions(t *testing.T) {
	h, ex, _ := newTestHandler(t)
	if reply := handle(t, h, "view_positions ETH-PERPETUAL future"); reply != "Error: No positions found or could not be fetched.\n" {
		t.Fatalf("Handle(no positions) = %q", reply)
	}
	ex.SetPositions("ETH", []core.Position{{
		InstrumentName:     "ETH-PERPETUAL",
		Kind:               "future",
		Size:               decimal.NewFromInt(-10),
		AveragePrice:       decimal.RequireFromString("3050.25"),
		FloatingProfitLoss: decimal.RequireFromString("0.0012"),
	}})
	want := "Positions for ETH-PERPETUAL with instrument type future:\n" +
		"Position ID: ETH-PERPETUAL, Quantity: -10, Average Price: 3050.25, Floating P&L: 0.0012\n"
	if reply := handle(t, h, "view_positions ETH-PERPETUAL future"); reply != want {
		t.Fatalf("Handle(positions) = %q, want %q", reply, want)
	}
}

func TestHandleTokenGate(t *testing.T) {
	h, ex, _ := newTestHandler(t)
	ex.SetAuthenticated(false)
	for _, line := range []string{"view_order_book ETH-PERPETUAL 5", "view_positions ETH-PERPETUAL future"} {
		if reply := handle(t, h, line); reply != "Error: Authentication token is missing." {
			t.Fatalf("Handle(%q) = %q, want token missing", line, reply)
		}
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	ex := panickyExchange{Exchange: paper.New()}
	h := NewHandler(ledger.New(ex), ex, StandardDefaults())
	if reply := handle(t, h, "view_order_book ETH-PERPETUAL 5"); reply != "Error: There was an issue processing your request. Please try again." {
		t.Fatalf("Handle(panic) = %q", reply)
	}
	// The handler stays usable afterwards.
	if reply := handle(t, h, "view_orders"); reply != "You have no orders at the moment.\n" {
		t.Fatalf("Handle(after panic) = %q", reply)
	}
}

func TestWelcomeTextListsCommands(t *testing.T) {
	text := WelcomeText()
	if !strings.HasPrefix(text, "Welcome to the Trading System WebSocket Server!\nHere are the available commands and their syntax:\n1. place_order <symbol> <price> <quantity>\n") {
		t.Fatalf("WelcomeText() = %q", text)
	}
	for _, name := range []string{CmdCancel, CmdModify, CmdTrack, CmdViewOrders, CmdViewOpenOrders, CmdRefresh, CmdViewOrderBook, CmdViewPositions, CmdHelp} {
		if !strings.Contains(text, name) {
			t.Fatalf("WelcomeText() missing %s", name)
		}
	}
}
