package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
)

// Exchange is an in-process venue that accepts every well-formed order and
// never fills. Ids are issued as order1, order2, ...
type Exchange struct {
	mu        sync.Mutex
	orders    map[string]*paperOrder
	orderSeq  int
	lastPrice map[string]decimal.Decimal
	tick      decimal.Decimal
	positions map[string][]core.Position
	failNext  map[string]error
	authed    bool
}

type paperOrder struct {
	symbol string
	price  decimal.Decimal
	qty    int64
	state  core.ExchangeOrderState
}

const (
	OpPlace  = "place"
	OpCancel = "cancel"
	OpModify = "modify"
	OpState  = "state"
	OpBook   = "book"
	OpPos    = "positions"
)

func New() *Exchange {
	return &Exchange{
		orders:    make(map[string]*paperOrder),
		lastPrice: make(map[string]decimal.Decimal),
		tick:      decimal.RequireFromString("0.05"),
		positions: make(map[string][]core.Position),
		failNext:  make(map[string]error),
		authed:    true,
	}
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) Authenticated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authed
}

func (e *Exchange) EnsureSession(ctx context.Context) error {
	if !e.Authenticated() {
		return core.ErrNotAuthenticated
	}
	return nil
}

func (e *Exchange) SetAuthenticated(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authed = v
}

// FailNext makes the next call of op return err instead of executing.
func (e *Exchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = err
}

// SetPositions seeds the snapshot returned for currency.
func (e *Exchange) SetPositions(currency string, positions []core.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[strings.ToUpper(currency)] = append([]core.Position(nil), positions...)
}

// SetState forces the exchange-side state of an order, e.g. to simulate a fill.
func (e *Exchange) SetState(orderID string, state core.ExchangeOrderState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return false
	}
	ord.state = state
	return true
}

func (e *Exchange) takeFailure(op string) error {
	err, ok := e.failNext[op]
	if !ok {
		return nil
	}
	delete(e.failNext, op)
	return err
}

func (e *Exchange) PlaceOrder(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpPlace); err != nil {
		return "", err
	}
	if err := core.ValidateOrder(symbol, price, qty); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrExchangeRejected, err)
	}
	e.orderSeq++
	id := fmt.Sprintf("order%d", e.orderSeq)
	e.orders[id] = &paperOrder{symbol: symbol, price: price, qty: qty, state: core.StateOpen}
	e.lastPrice[symbol] = price
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpCancel); err != nil {
		return err
	}
	ord, ok := e.orders[orderID]
	if !ok || ord.state != core.StateOpen {
		return fmt.Errorf("%w: %w: %s", core.ErrExchangeRejected, core.ErrOrderNotFound, orderID)
	}
	ord.state = core.StateCancelled
	return nil
}

func (e *Exchange) ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, qty int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpModify); err != nil {
		return err
	}
	ord, ok := e.orders[orderID]
	if !ok || ord.state != core.StateOpen {
		return fmt.Errorf("%w: %w: %s", core.ErrExchangeRejected, core.ErrOrderNotFound, orderID)
	}
	if err := core.ValidateAmend(price, qty); err != nil {
		return fmt.Errorf("%w: %v", core.ErrExchangeRejected, err)
	}
	ord.price = price
	ord.qty = qty
	e.lastPrice[ord.symbol] = price
	return nil
}

func (e *Exchange) OrderState(ctx context.Context, orderID string) (core.ExchangeOrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpState); err != nil {
		return "", err
	}
	ord, ok := e.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", core.ErrExchangeRejected, core.ErrOrderNotFound, orderID)
	}
	return ord.state, nil
}

// OrderBook aggregates the resting paper orders of symbol into bids and
// synthesizes asks one tick apart above the best bid.
func (e *Exchange) OrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpBook); err != nil {
		return core.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 1
	}
	levels := make(map[string]core.BookLevel)
	for _, ord := range e.orders {
		if ord.symbol != symbol || ord.state != core.StateOpen {
			continue
		}
		price := core.RoundDown(ord.price, e.tick)
		key := price.String()
		lvl := levels[key]
		lvl.Price = price
		lvl.Quantity = lvl.Quantity.Add(decimal.NewFromInt(ord.qty))
		levels[key] = lvl
	}
	bids := make([]core.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		bids = append(bids, lvl)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.Cmp(bids[j].Price) > 0 })
	if len(bids) > depth {
		bids = bids[:depth]
	}
	book := core.OrderBook{Symbol: symbol, Bids: bids}
	last, ok := e.lastPrice[symbol]
	if !ok {
		return book, nil
	}
	best := core.RoundDown(last, e.tick)
	if len(bids) > 0 && bids[0].Price.Cmp(best) > 0 {
		best = bids[0].Price
	}
	for i := 1; i <= depth; i++ {
		book.Asks = append(book.Asks, core.BookLevel{
			Price:    best.Add(e.tick.Mul(decimal.NewFromInt(int64(i)))),
			Quantity: decimal.NewFromInt(int64(10 * i)),
		})
	}
	return book, nil
}

func (e *Exchange) Positions(ctx context.Context, currency, kind string) ([]core.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(OpPos); err != nil {
		return nil, err
	}
	src := e.positions[strings.ToUpper(currency)]
	out := make([]core.Position, 0, len(src))
	for _, p := range src {
		if kind != "" && p.Kind != "" && !strings.EqualFold(kind, p.Kind) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
