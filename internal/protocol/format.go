package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
)

const (
	msgProcessingError = "Error: There was an issue processing your request. Please try again."
	msgNotReady        = "Error: The system is not ready. Please try again later."
	msgUnknownCommand  = "Error: Unknown command. Please check the command and try again.\n"
	msgTokenMissing    = "Error: Authentication token is missing."
	msgBookUnavailable = "Error: Order book is empty or could not be fetched."
	msgNoPositions     = "Error: No positions found or could not be fetched.\n"
	msgNoOrders        = "You have no orders at the moment.\n"
	msgNoOpenOrders    = "You have no open orders at the moment.\n"
)

var welcomeCommands = []string{
	"place_order <symbol> <price> <quantity>",
	"modify_order <order_id> <new_price> <new_quantity>",
	"cancel_order <order_id>",
	"view_orders",
	"track_order <order_id>",
	"view_positions <symbol> <instrument_type>",
	"view_order_book <symbol> <depth>",
	"view_open_orders",
	"refresh_order <order_id>",
	"help",
}

// WelcomeText is sent once to every new connection and in reply to help.
func WelcomeText() string {
	var b strings.Builder
	b.WriteString("Welcome to the Trading System WebSocket Server!\n")
	b.WriteString("Here are the available commands and their syntax:\n")
	for i, c := range welcomeCommands {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

// verb maps a command to the phrase used in its messages.
var verb = map[string]string{
	CmdPlace:   "place",
	CmdCancel:  "cancel",
	CmdModify:  "modify",
	CmdTrack:   "track",
	CmdRefresh: "refresh",
}

func malformedText(m Malformed) string {
	switch m.Command {
	case CmdCancel, CmdModify, CmdTrack, CmdRefresh:
		if errors.Is(m.Err, ErrMissingOrderID) {
			return fmt.Sprintf("Error: Order ID is required to %s an order.\n", verb[m.Command])
		}
		return "Error: Order ID, new price and new quantity are required to modify an order.\n"
	case CmdPlace:
		return "Error: Symbol, price and quantity are required to place an order.\n"
	case CmdViewOrderBook:
		return "Error: Symbol and depth are required to view the order book.\n"
	case CmdViewPositions:
		return "Error: Symbol and instrument type are required to view positions.\n"
	}
	return msgProcessingError
}

func placedText(o core.Order) string {
	return fmt.Sprintf("Your order for %d %s at price %s has been placed successfully. Order ID: %s\n",
		o.Quantity, o.Symbol, o.Price.String(), o.ID)
}

func canceledText(id string) string {
	return fmt.Sprintf("Your order with ID %s has been canceled successfully.\n", id)
}

func modifiedText(id string, price decimal.Decimal, qty int64) string {
	return fmt.Sprintf("Your order with ID %s has been updated to price %s and quantity %d.\n", id, price.String(), qty)
}

func trackedText(id string, status core.OrderStatus) string {
	return fmt.Sprintf("Order %s is %s.\n", id, status)
}

func refreshedText(o core.Order) string {
	return fmt.Sprintf("Order %s is %s on the exchange side.\n", o.ID, o.Status)
}

// failureText turns an operation error into the reply for cmd.
func failureText(cmd string, err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidOrder):
		return "Error: Invalid order. Price and quantity must be greater than zero.\n"
	case errors.Is(err, core.ErrNotAuthenticated):
		return msgTokenMissing
	}
	switch cmd {
	case CmdPlace:
		return "Error: Failed to place order. Please try again.\n"
	case CmdCancel, CmdModify, CmdTrack, CmdRefresh:
		if errors.Is(err, core.ErrTransport) && !errors.Is(err, core.ErrOrderNotFound) {
			return fmt.Sprintf("Error: Failed to %s order. The exchange could not be reached, please try again.\n", verb[cmd])
		}
		return fmt.Sprintf("Error: Failed to %s order. Please check the order ID and try again.\n", verb[cmd])
	}
	return msgProcessingError
}

func ordersText(header string, orders []core.Order) string {
	var b strings.Builder
	b.WriteString(header)
	for _, o := range orders {
		fmt.Fprintf(&b, "Order ID: %s, Symbol: %s, Price: %s, Quantity: %d, Status: %s\n",
			o.ID, o.Symbol, o.Price.String(), o.Quantity, o.Status)
	}
	return b.String()
}

func orderBookText(book core.OrderBook, symbol string, depth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order book for %s with depth %d:\n", symbol, depth)
	writeLevels(&b, "Bids", "bids", book.Bids)
	writeLevels(&b, "Asks", "asks", book.Asks)
	return b.String()
}

func writeLevels(b *strings.Builder, title, noun string, levels []core.BookLevel) {
	if len(levels) == 0 {
		fmt.Fprintf(b, "  No %s available.\n", noun)
		return
	}
	b.WriteString(title + ":\n")
	for _, l := range levels {
		fmt.Fprintf(b, "  Price: %s, Quantity: %s\n", l.Price.String(), l.Quantity.String())
	}
}

func positionsText(symbol, kind string, positions []core.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Positions for %s with instrument type %s:\n", symbol, kind)
	for _, p := range positions {
		fmt.Fprintf(&b, "Position ID: %s, Quantity: %s, Average Price: %s, Floating P&L: %s\n",
			p.InstrumentName, p.Size.String(), p.AveragePrice.String(), p.FloatingProfitLoss.String())
	}
	return b.String()
}
