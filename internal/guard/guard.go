// Package guard implements the hard safety checks that gate every
// order and the pre-session state-integrity classifier. Everything
// here is pure: no I/O, no clocks.
package guard

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

// Kind classifies a safety failure.
type Kind string

const (
	// KindSafety marks a per-order validation failure.
	KindSafety Kind = "safety"
	// KindIntegrity marks a pre-session state-integrity failure.
	KindIntegrity Kind = "integrity"
)

// SafetyError is returned whenever an order or the session state fails
// a hard check.
type SafetyError struct {
	Kind   Kind
	Symbol string
	Msg    string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("%s check failed for %s: %s", e.Kind, e.Symbol, e.Msg)
}

func safetyErr(symbol, format string, args ...any) *SafetyError {
	return &SafetyError{Kind: KindSafety, Symbol: symbol, Msg: fmt.Sprintf(format, args...)}
}

// ValidateBuy rejects buy orders with non-positive quantity or price,
// notional above the market's hard limit, price below the data-error
// floor, or notional above the known cash balance (strict, no
// epsilon: callers must floor their values).
func ValidateBuy(market models.Market, symbol string, price decimal.Decimal, qty int64, cash decimal.Decimal) error {
	if qty <= 0 {
		return safetyErr(symbol, "invalid quantity: %d", qty)
	}
	if !price.IsPositive() {
		return safetyErr(symbol, "invalid price: %s", price)
	}
	total := price.Mul(decimal.NewFromInt(qty))
	if total.GreaterThan(market.MaxOrderAmount()) {
		return safetyErr(symbol, "buy amount %s exceeds hard limit %s", total, market.MaxOrderAmount())
	}
	if price.LessThan(market.MinPrice()) {
		return safetyErr(symbol, "price %s below minimum threshold %s", price, market.MinPrice())
	}
	if cash.IsPositive() && total.GreaterThan(cash) {
		return safetyErr(symbol, "buy amount %s exceeds available cash %s", total, cash)
	}
	return nil
}

// ValidateSell rejects sell orders with non-positive quantity or
// price, notional above the hard limit, price below the floor, or
// quantity above the known holding (no naked shorts). A nil holding
// skips the holding check.
func ValidateSell(market models.Market, symbol string, price decimal.Decimal, qty int64, holding *int64) error {
	if qty <= 0 {
		return safetyErr(symbol, "invalid quantity: %d", qty)
	}
	if !price.IsPositive() {
		return safetyErr(symbol, "invalid price: %s", price)
	}
	total := price.Mul(decimal.NewFromInt(qty))
	if total.GreaterThan(market.MaxOrderAmount()) {
		return safetyErr(symbol, "sell amount %s exceeds hard limit %s", total, market.MaxOrderAmount())
	}
	if price.LessThan(market.MinPrice()) {
		return safetyErr(symbol, "price %s below minimum threshold %s", price, market.MinPrice())
	}
	if holding != nil && qty > *holding {
		return safetyErr(symbol, "sell quantity %d exceeds current holding %d", qty, *holding)
	}
	return nil
}
