package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"trade-desk/internal/core"
	"trade-desk/internal/exchange"
	"trade-desk/internal/ledger"
	"trade-desk/internal/logging"
)

// Handler turns one inbound message into exactly one reply. It keeps no
// per-connection state.
type Handler struct {
	ledger   *ledger.Ledger
	ex       exchange.Exchange
	defaults Defaults
	log      zerolog.Logger
}

func NewHandler(l *ledger.Ledger, ex exchange.Exchange, d Defaults) *Handler {
	return &Handler{ledger: l, ex: ex, defaults: d, log: logging.Component("protocol")}
}

// Handle decodes and executes line. ok is false for blank input, which gets
// no reply at all.
func (h *Handler) Handle(ctx context.Context, line string) (reply string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if h == nil || h.ledger == nil {
		return msgNotReady, true
	}
	cmd, ok := Decode(line, h.defaults)
	if !ok {
		return "", false
	}
	return h.Execute(ctx, cmd), true
}

// Execute runs a decoded command. A panic anywhere below is converted into
// the generic processing error.
func (h *Handler) Execute(ctx context.Context, cmd Command) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("command", cmd.Name()).Str("panic", fmt.Sprint(r)).Msg("command execution panicked")
			reply = msgProcessingError
		}
	}()
	h.log.Debug().Str("command", cmd.Name()).Msg("executing command")

	switch c := cmd.(type) {
	case Place:
		ord, err := h.ledger.Place(ctx, c.Symbol, c.Price, c.Quantity)
		if err != nil {
			return failureText(CmdPlace, err)
		}
		return placedText(ord)
	case Cancel:
		if err := h.ledger.Cancel(ctx, c.OrderID); err != nil {
			return failureText(CmdCancel, err)
		}
		return canceledText(c.OrderID)
	case Modify:
		if err := h.ledger.Modify(ctx, c.OrderID, c.Price, c.Quantity); err != nil {
			return failureText(CmdModify, err)
		}
		return modifiedText(c.OrderID, c.Price, c.Quantity)
	case Track:
		status, err := h.ledger.Track(c.OrderID)
		if err != nil {
			return failureText(CmdTrack, err)
		}
		return trackedText(c.OrderID, status)
	case Refresh:
		ord, err := h.ledger.Refresh(ctx, c.OrderID)
		if err != nil {
			return failureText(CmdRefresh, err)
		}
		return refreshedText(ord)
	case ViewOrders:
		orders := h.ledger.All()
		if len(orders) == 0 {
			return msgNoOrders
		}
		return ordersText("Here are your current orders:\n", orders)
	case ViewOpenOrders:
		orders := h.ledger.Open()
		if len(orders) == 0 {
			return msgNoOpenOrders
		}
		return ordersText("Here are your open orders:\n", orders)
	case ViewOrderBook:
		return h.viewOrderBook(ctx, c)
	case ViewPositions:
		return h.viewPositions(ctx, c)
	case Help:
		return WelcomeText()
	case Malformed:
		h.log.Debug().Err(c.Err).Str("command", c.Command).Msg("malformed command")
		return malformedText(c)
	case Unknown:
		return msgUnknownCommand
	default:
		h.log.Error().Str("command", cmd.Name()).Str("type", fmt.Sprintf("%T", cmd)).Msg("no executor for command")
		return msgProcessingError
	}
}

// authenticated is the token gate for venue reads. An expired session is
// renewed here rather than reported as missing.
func (h *Handler) authenticated(ctx context.Context) bool {
	if h.ex == nil {
		return false
	}
	if err := h.ex.EnsureSession(ctx); err != nil {
		h.log.Debug().Err(err).Msg("exchange session unavailable")
		return false
	}
	return true
}

func (h *Handler) viewOrderBook(ctx context.Context, c ViewOrderBook) string {
	if !h.authenticated(ctx) {
		return msgTokenMissing
	}
	book, err := h.ex.OrderBook(ctx, c.Symbol, c.Depth)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", c.Symbol).Int("depth", c.Depth).Msg("order book fetch failed")
		return msgBookUnavailable
	}
	return orderBookText(book, c.Symbol, c.Depth)
}

func (h *Handler) viewPositions(ctx context.Context, c ViewPositions) string {
	if !h.authenticated(ctx) {
		return msgTokenMissing
	}
	positions, err := h.ex.Positions(ctx, core.CurrencyOf(c.Symbol), c.InstrumentType)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", c.Symbol).Str("kind", c.InstrumentType).Msg("positions fetch failed")
		return msgNoPositions
	}
	if len(positions) == 0 {
		return msgNoPositions
	}
	return positionsText(c.Symbol, c.InstrumentType, positions)
}
