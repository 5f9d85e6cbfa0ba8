package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
	"trade-desk/internal/exchange"
	"trade-desk/internal/logging"
	"trade-desk/internal/store"
)

// Journal receives one event per successful ledger transition.
type Journal interface {
	Record(ev store.OrderEvent) error
}

type entry struct {
	// opMu serializes exchange round trips for one order id. It is never
	// held together with Ledger.mu across a network call.
	opMu  sync.Mutex
	order core.Order
}

// Ledger is the local mirror of every order accepted by the exchange during
// this process lifetime.
type Ledger struct {
	ex      exchange.Exchange
	journal Journal
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	orders map[string]*entry
	ids    []string
}

type Option func(*Ledger)

func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(ex exchange.Exchange, opts ...Option) *Ledger {
	l := &Ledger{
		ex:     ex,
		log:    logging.Component("ledger"),
		now:    time.Now,
		orders: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Place submits a new limit order and records it as Pending once the
// exchange has accepted it.
func (l *Ledger) Place(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (core.Order, error) {
	if err := core.ValidateOrder(symbol, price, qty); err != nil {
		return core.Order{}, err
	}
	id, err := l.ex.PlaceOrder(ctx, symbol, price, qty)
	if err != nil {
		l.log.Warn().Err(err).Str("symbol", symbol).Str("price", price.String()).Int64("quantity", qty).Msg("place order failed")
		return core.Order{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Order{}, fmt.Errorf("%w: exchange returned an empty order id", core.ErrExchangeRejected)
	}

	now := l.now().UTC()
	ord := core.Order{
		ID:        id,
		Symbol:    symbol,
		Price:     price,
		Quantity:  qty,
		Status:    core.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.mu.Lock()
	if _, exists := l.orders[id]; exists {
		l.mu.Unlock()
		l.log.Error().Str("order_id", id).Str("symbol", symbol).Msg("exchange reused an order id already in the ledger")
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderIDCollision, id)
	}
	l.orders[id] = &entry{order: ord}
	l.ids = append(l.ids, id)
	l.mu.Unlock()

	l.log.Info().Str("order_id", id).Str("symbol", symbol).Str("price", price.String()).Int64("quantity", qty).Msg("order placed")
	l.record(store.EventPlaced, ord)
	return ord, nil
}

// Cancel asks the exchange to cancel id and marks it Canceled on success.
// A terminal order is reported as not found without contacting the exchange.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := l.read(e)
	if cur.Status.Terminal() {
		return closedError(cur)
	}
	if err := l.ex.CancelOrder(ctx, id); err != nil {
		l.log.Warn().Err(err).Str("order_id", id).Msg("cancel order failed")
		return err
	}
	ord := l.apply(e, func(o *core.Order) { o.Status = core.OrderCanceled })
	l.log.Info().Str("order_id", id).Msg("order canceled")
	l.record(store.EventCanceled, ord)
	return nil
}

// Modify amends price and quantity. Both fields and the Modified status are
// applied together only after the exchange confirmed the edit.
func (l *Ledger) Modify(ctx context.Context, id string, price decimal.Decimal, qty int64) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	if err := core.ValidateAmend(price, qty); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := l.read(e)
	if cur.Status.Terminal() {
		return closedError(cur)
	}
	if err := l.ex.ModifyOrder(ctx, id, price, qty); err != nil {
		l.log.Warn().Err(err).Str("order_id", id).Str("price", price.String()).Int64("quantity", qty).Msg("modify order failed")
		return err
	}
	ord := l.apply(e, func(o *core.Order) {
		o.Price = price
		o.Quantity = qty
		o.Status = core.OrderModified
	})
	l.log.Info().Str("order_id", id).Str("price", price.String()).Int64("quantity", qty).Msg("order modified")
	l.record(store.EventModified, ord)
	return nil
}

// Refresh pulls the exchange-side state of id and folds it into the local
// status when the transition is legal.
func (l *Ledger) Refresh(ctx context.Context, id string) (core.Order, error) {
	e, err := l.lookup(id)
	if err != nil {
		return core.Order{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := l.read(e)
	if cur.Status.Terminal() {
		return cur, nil
	}
	state, err := l.ex.OrderState(ctx, id)
	if err != nil {
		l.log.Warn().Err(err).Str("order_id", id).Msg("order state query failed")
		return core.Order{}, err
	}
	next, ok := statusFor(cur.Status, state)
	if !ok || next == cur.Status || !cur.Status.CanTransition(next) {
		return cur, nil
	}
	ord := l.apply(e, func(o *core.Order) { o.Status = next })
	l.log.Info().Str("order_id", id).Str("exchange_state", string(state)).Str("status", string(next)).Msg("order refreshed")
	l.record(store.EventRefreshed, ord)
	return ord, nil
}

func statusFor(cur core.OrderStatus, state core.ExchangeOrderState) (core.OrderStatus, bool) {
	switch state {
	case core.StateOpen:
		if cur == core.OrderModified {
			return cur, true
		}
		return core.OrderActive, true
	case core.StateCancelled:
		return core.OrderCanceled, true
	case core.StateRejected:
		return core.OrderRejected, true
	default:
		// filled and untriggered have no local status of their own.
		return cur, false
	}
}

func (l *Ledger) Track(id string) (core.OrderStatus, error) {
	ord, err := l.Get(id)
	if err != nil {
		return "", err
	}
	return ord.Status, nil
}

func (l *Ledger) Get(id string) (core.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[id]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return e.order, nil
}

// All returns a copy of every order in insertion order.
func (l *Ledger) All() []core.Order {
	return l.filter(func(core.Order) bool { return true })
}

// Open returns the orders that are still Pending or Active.
func (l *Ledger) Open() []core.Order {
	return l.filter(func(o core.Order) bool { return o.Status.Open() })
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

func (l *Ledger) filter(keep func(core.Order) bool) []core.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]core.Order, 0, len(l.ids))
	for _, id := range l.ids {
		if ord := l.orders[id].order; keep(ord) {
			out = append(out, ord)
		}
	}
	return out
}

func (l *Ledger) lookup(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return e, nil
}

func (l *Ledger) read(e *entry) core.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return e.order
}

func (l *Ledger) apply(e *entry, mutate func(*core.Order)) core.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	mutate(&e.order)
	e.order.UpdatedAt = l.now().UTC()
	return e.order
}

func (l *Ledger) record(kind store.EventKind, ord core.Order) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Record(store.OrderEvent{Kind: kind, Order: ord, At: ord.UpdatedAt}); err != nil {
		l.log.Error().Err(err).Str("order_id", ord.ID).Str("kind", string(kind)).Msg("journal append failed")
	}
}

func closedError(ord core.Order) error {
	return fmt.Errorf("%w: %w: %s is %s", core.ErrOrderClosed, core.ErrOrderNotFound, ord.ID, ord.Status)
}
