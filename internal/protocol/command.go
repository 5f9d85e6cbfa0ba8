package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"trade-desk/internal/config"
	"trade-desk/internal/core"
)

const (
	CmdPlace          = "place_order"
	CmdCancel         = "cancel_order"
	CmdModify         = "modify_order"
	CmdTrack          = "track_order"
	CmdViewOrders     = "view_orders"
	CmdViewOpenOrders = "view_open_orders"
	CmdRefresh        = "refresh_order"
	CmdViewOrderBook  = "view_order_book"
	CmdViewPositions  = "view_positions"
	CmdHelp           = "help"
)

var ErrMissingOrderID = fmt.Errorf("%w: order id is required", core.ErrMalformedCommand)

// Defaults are substituted for trading parameters a client leaves out or
// cannot spell. With Strict set, such commands are rejected instead.
type Defaults struct {
	Symbol         string
	Price          decimal.Decimal
	Quantity       int64
	ModifyPrice    decimal.Decimal
	ModifyQuantity int64
	Depth          int
	InstrumentType string
	Strict         bool
}

func StandardDefaults() Defaults {
	return Defaults{
		Symbol:         "ETH-PERPETUAL",
		Price:          decimal.NewFromInt(400),
		Quantity:       1,
		ModifyPrice:    decimal.NewFromInt(450),
		ModifyQuantity: 2,
		Depth:          5,
		InstrumentType: "future",
	}
}

func DefaultsFromConfig(c config.CommandsConfig) Defaults {
	d := StandardDefaults()
	d.Strict = c.Strict
	if c.Defaults.Symbol != "" {
		d.Symbol = c.Defaults.Symbol
	}
	if c.Defaults.Price != nil {
		d.Price = c.Defaults.Price.Decimal
	}
	if c.Defaults.Quantity > 0 {
		d.Quantity = c.Defaults.Quantity
	}
	if c.Defaults.ModifyPrice != nil {
		d.ModifyPrice = c.Defaults.ModifyPrice.Decimal
	}
	if c.Defaults.ModifyQuantity > 0 {
		d.ModifyQuantity = c.Defaults.ModifyQuantity
	}
	if c.Defaults.Depth > 0 {
		d.Depth = c.Defaults.Depth
	}
	if c.Defaults.InstrumentType != "" {
		d.InstrumentType = c.Defaults.InstrumentType
	}
	return d
}

// Command is one decoded client request.
type Command interface {
	Name() string
}

type Place struct {
	Symbol   string
	Price    decimal.Decimal
	Quantity int64
}

type Cancel struct{ OrderID string }

type Modify struct {
	OrderID  string
	Price    decimal.Decimal
	Quantity int64
}

type Track struct{ OrderID string }

type ViewOrders struct{}

type ViewOpenOrders struct{}

type Refresh struct{ OrderID string }

type ViewOrderBook struct {
	Symbol string
	Depth  int
}

type ViewPositions struct {
	Symbol         string
	InstrumentType string
}

type Help struct{}

type Unknown struct{ Command string }

// Malformed is a recognized command whose arguments could not be used.
type Malformed struct {
	Command string
	Err     error
}

func (Place) Name() string          { return CmdPlace }
func (Cancel) Name() string         { return CmdCancel }
func (Modify) Name() string         { return CmdModify }
func (Track) Name() string          { return CmdTrack }
func (ViewOrders) Name() string     { return CmdViewOrders }
func (ViewOpenOrders) Name() string { return CmdViewOpenOrders }
func (Refresh) Name() string        { return CmdRefresh }
func (ViewOrderBook) Name() string  { return CmdViewOrderBook }
func (ViewPositions) Name() string  { return CmdViewPositions }
func (Help) Name() string           { return CmdHelp }
func (u Unknown) Name() string      { return u.Command }
func (m Malformed) Name() string    { return m.Command }

// Decode parses one inbound message. ok is false when the message is blank
// and must be dropped without a reply.
func Decode(line string, d Defaults) (cmd Command, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	name, a := fields[0], args(fields[1:])
	switch name {
	case CmdPlace:
		return decodePlace(a, d), true
	case CmdCancel:
		if id, found := a.str(0); found {
			return Cancel{OrderID: id}, true
		}
		return missingOrderID(name), true
	case CmdModify:
		return decodeModify(a, d), true
	case CmdTrack:
		if id, found := a.str(0); found {
			return Track{OrderID: id}, true
		}
		return missingOrderID(name), true
	case CmdRefresh:
		if id, found := a.str(0); found {
			return Refresh{OrderID: id}, true
		}
		return missingOrderID(name), true
	case CmdViewOrders:
		return ViewOrders{}, true
	case CmdViewOpenOrders:
		return ViewOpenOrders{}, true
	case CmdViewOrderBook:
		return decodeOrderBook(a, d), true
	case CmdViewPositions:
		return decodePositions(a, d), true
	case CmdHelp:
		return Help{}, true
	default:
		return Unknown{Command: name}, true
	}
}

func decodePlace(a args, d Defaults) Command {
	symbol, okSym := a.str(0)
	price, okPrice := a.decimal(1)
	qty, okQty := a.int(2)
	if d.Strict && !(okSym && okPrice && okQty) {
		return malformed(CmdPlace, "symbol, price and quantity are required")
	}
	if !okSym {
		symbol = d.Symbol
	}
	if !okPrice {
		price = d.Price
	}
	if !okQty {
		qty = d.Quantity
	}
	return Place{Symbol: symbol, Price: price, Quantity: qty}
}

func decodeModify(a args, d Defaults) Command {
	id, ok := a.str(0)
	if !ok {
		return missingOrderID(CmdModify)
	}
	price, okPrice := a.decimal(1)
	qty, okQty := a.int(2)
	if d.Strict && !(okPrice && okQty) {
		return malformed(CmdModify, "new price and new quantity are required")
	}
	if !okPrice {
		price = d.ModifyPrice
	}
	if !okQty {
		qty = d.ModifyQuantity
	}
	return Modify{OrderID: id, Price: price, Quantity: qty}
}

func decodeOrderBook(a args, d Defaults) Command {
	symbol, okSym := a.str(0)
	depth, okDepth := a.int(1)
	if d.Strict && !(okSym && okDepth) {
		return malformed(CmdViewOrderBook, "symbol and depth are required")
	}
	if !okSym {
		symbol = d.Symbol
	}
	if !okDepth {
		depth = int64(d.Depth)
	}
	if depth <= 0 {
		return malformed(CmdViewOrderBook, "depth must be a positive integer")
	}
	return ViewOrderBook{Symbol: symbol, Depth: int(depth)}
}

func decodePositions(a args, d Defaults) Command {
	symbol, okSym := a.str(0)
	kind, okKind := a.str(1)
	if d.Strict && !(okSym && okKind) {
		return malformed(CmdViewPositions, "symbol and instrument type are required")
	}
	if !okSym {
		symbol = d.Symbol
	}
	if !okKind {
		kind = d.InstrumentType
	}
	return ViewPositions{Symbol: symbol, InstrumentType: kind}
}

func missingOrderID(cmd string) Malformed {
	return Malformed{Command: cmd, Err: fmt.Errorf("%s: %w", cmd, ErrMissingOrderID)}
}

func malformed(cmd, reason string) Malformed {
	return Malformed{Command: cmd, Err: fmt.Errorf("%w: %s: %s", core.ErrMalformedCommand, cmd, reason)}
}

type args []string

func (a args) str(i int) (string, bool) {
	if i >= len(a) {
		return "", false
	}
	return a[i], true
}

func (a args) decimal(i int) (decimal.Decimal, bool) {
	s, ok := a.str(i)
	if !ok {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

func (a args) int(i int) (int64, bool) {
	s, ok := a.str(i)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
