package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidOrder = errors.New("invalid order")

// ValidateOrder checks the trading parameters accepted by place and modify.
func ValidateOrder(symbol string, price decimal.Decimal, qty int64) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	return ValidateAmend(price, qty)
}

func ValidateAmend(price decimal.Decimal, qty int64) error {
	if price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: price must be > 0, got %s", ErrInvalidOrder, price.String())
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidOrder, qty)
	}
	return nil
}

// CurrencyOf extracts the settlement currency from an instrument name, e.g. ETH-PERPETUAL -> ETH.
func CurrencyOf(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// RoundDown truncates value to a multiple of step.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
