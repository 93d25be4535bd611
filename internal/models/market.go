// Package models provides the core data structures for rule-driven
// equity trading: markets, trading rules, accounts, and trade records.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which exchange a session trades on.
type Market string

const (
	// MarketUS is the United States equity market (Schwab).
	MarketUS Market = "us"
	// MarketKR is the Korean equity market (KIS).
	MarketKR Market = "kr"
)

// Hard per-order limits. Changing these requires code review; they are
// the last line of defense against fat-finger and data errors.
var (
	maxOrderUSD = decimal.NewFromInt(100_000)
	maxOrderKRW = decimal.NewFromInt(100_000_000)
	minPriceUSD = decimal.RequireFromString("0.50")
	minPriceKRW = decimal.NewFromInt(50)
)

// ParseMarket converts a CLI/config string into a Market.
func ParseMarket(s string) (Market, error) {
	switch Market(s) {
	case MarketUS, MarketKR:
		return Market(s), nil
	default:
		return "", fmt.Errorf("unknown market %q (want %q or %q)", s, MarketUS, MarketKR)
	}
}

// MaxOrderAmount returns the hard notional ceiling for a single order.
func (m Market) MaxOrderAmount() decimal.Decimal {
	if m == MarketKR {
		return maxOrderKRW
	}
	return maxOrderUSD
}

// MinPrice returns the minimum plausible quote; anything below is
// treated as a data error.
func (m Market) MinPrice() decimal.Decimal {
	if m == MarketKR {
		return minPriceKRW
	}
	return minPriceUSD
}

// PricePrecision returns the number of decimal places monetary values
// carry in this market: 2 for USD, 0 for KRW.
func (m Market) PricePrecision() int32 {
	if m == MarketKR {
		return 0
	}
	return 2
}

// RoundPrice truncates d to the market's monetary precision.
// Truncation, not rounding: over-stating a price risks over-spending.
func (m Market) RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(m.PricePrecision())
}

// Currency returns the ISO currency code for the market.
func (m Market) Currency() string {
	if m == MarketKR {
		return "KRW"
	}
	return "USD"
}

// Location returns the market's local timezone. Periodic-rule date
// matching and market-hours checks run in this zone.
func (m Market) Location() *time.Location {
	name, offset := "America/Los_Angeles", -8*60*60
	if m == MarketKR {
		name, offset = "Asia/Seoul", 9*60*60
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Minimal containers may lack tzdata.
		return time.FixedZone(name, offset)
	}
	return loc
}
