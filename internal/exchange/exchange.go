package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
)

// Exchange is the remote venue as seen by the ledger and the command handler.
// Implementations own authentication, signing and wire format; failures are
// reported with core.ErrTransport or core.ErrExchangeRejected in the chain.
type Exchange interface {
	Name() string
	Authenticated() bool
	// EnsureSession re-establishes an expired session where the venue can.
	EnsureSession(ctx context.Context) error
	PlaceOrder(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, qty int64) error
	OrderState(ctx context.Context, orderID string) (core.ExchangeOrderState, error)
	OrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error)
	Positions(ctx context.Context, currency, kind string) ([]core.Position, error)
}
