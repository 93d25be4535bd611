// Package broker provides brokerage API clients for the trading core.
// It includes the Schwab client for the US market and the Korea
// Investment & Securities (KIS) client for the KR market, plus a
// circuit-breaker wrapper shared by both.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

// Broker is the per-user brokerage surface the session runner drives.
// All methods are bounded by the client's HTTP timeout; ctx cancels
// early.
type Broker interface {
	// GetHashes returns account_number -> opaque account hash. The
	// hash is what every other per-account call takes.
	GetHashes(ctx context.Context) (map[string]string, error)

	// MarketOpen reports whether the market is in its regular session
	// right now. Holiday lookups are cached for the day.
	MarketOpen(ctx context.Context) (bool, error)

	// GetPositions returns symbol -> held quantity.
	GetPositions(ctx context.Context, hash string) (map[string]decimal.Decimal, error)

	// GetPositionsDetail returns position-key -> {qty, avg, last}.
	// KR keys by stock name, US by ticker.
	GetPositionsDetail(ctx context.Context, hash string) (map[string]models.PositionDetail, error)

	// GetCash returns the cash available for trading.
	GetCash(ctx context.Context, hash string) (decimal.Decimal, error)

	// GetAccountResult returns (cash, total liquidation value).
	GetAccountResult(ctx context.Context, hash string) (decimal.Decimal, decimal.Decimal, error)

	// GetLastPrice returns the last traded price. Errors are non-fatal
	// to a pass; callers skip the rule and retry next tick.
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	PlaceLimitBuy(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error)
	PlaceLimitSell(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error)
	PlaceMarketSell(ctx context.Context, hash, symbol string, qty int64) (*Order, error)

	// SellSweepETFsForCash liquidates sweep ETFs to cover a cash
	// shortfall before a buy. Returns (nil, nil) when nothing is held
	// to sell; KR has no sweep ETFs and always returns (nil, nil).
	SellSweepETFsForCash(ctx context.Context, hash string, shortfall decimal.Decimal, positions map[string]decimal.Decimal) (*Order, error)
}

// SweepETFs are the cash-equivalent treasury ETFs, in liquidation
// preference order.
var SweepETFs = []string{"BIL", "SGOV"}

// Order is the broker's answer to an order placement.
type Order struct {
	Success bool
	ID      string
}

// OrderID returns the broker-assigned identifier, empty when the
// broker did not report one.
func (o *Order) OrderID() string {
	if o == nil {
		return ""
	}
	return o.ID
}

// IsSuccess reports whether the order was accepted.
func (o *Order) IsSuccess() bool {
	return o != nil && o.Success
}

// APIError represents a brokerage API error with status code and
// response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// sweepQuantity is min(held, ceil(shortfall / price)).
func sweepQuantity(held, shortfall, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	need := shortfall.Div(price).Ceil().IntPart()
	if have := held.Floor().IntPart(); have < need {
		need = have
	}
	return need
}
