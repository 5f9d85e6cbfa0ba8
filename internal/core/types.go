package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

// ExchangeOrderState is the venue's own view of an order, as reported by a state query.
type ExchangeOrderState string

const (
	OrderPending  OrderStatus = "Pending"
	OrderActive   OrderStatus = "Active"
	OrderModified OrderStatus = "Modified"
	OrderCanceled OrderStatus = "Canceled"
	OrderRejected OrderStatus = "Rejected"
)

const (
	StateOpen        ExchangeOrderState = "open"
	StateFilled      ExchangeOrderState = "filled"
	StateRejected    ExchangeOrderState = "rejected"
	StateCancelled   ExchangeOrderState = "cancelled"
	StateUntriggered ExchangeOrderState = "untriggered"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:  {OrderActive, OrderModified, OrderCanceled, OrderRejected},
	OrderActive:   {OrderModified, OrderCanceled},
	OrderModified: {OrderModified, OrderCanceled},
}

// Terminal reports whether no further exchange-side transition is expected.
func (s OrderStatus) Terminal() bool {
	return s == OrderCanceled || s == OrderRejected
}

// Open reports whether the order still counts as working on the exchange.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderActive
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID        string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
}

func (b OrderBook) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

type Position struct {
	InstrumentName     string
	Kind               string
	Size               decimal.Decimal
	AveragePrice       decimal.Decimal
	FloatingProfitLoss decimal.Decimal
}
