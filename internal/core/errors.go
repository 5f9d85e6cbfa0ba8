package core

import "errors"

var (
	// ErrOrderNotFound indicates no order with the given id is known.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderClosed indicates the order already reached a terminal status.
	ErrOrderClosed = errors.New("order already closed")
	// ErrExchangeRejected indicates the exchange answered but refused the request or sent an unreadable reply.
	ErrExchangeRejected = errors.New("exchange rejected request")
	// ErrTransport indicates the exchange call could not complete.
	ErrTransport = errors.New("exchange transport failure")
	// ErrNotAuthenticated indicates no usable session token is held for the exchange.
	ErrNotAuthenticated = errors.New("exchange session not authenticated")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderIDCollision indicates the exchange returned an id that is already in the ledger.
	ErrOrderIDCollision = errors.New("order id collision")

	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
)
