package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

var one = decimal.NewFromInt(1)

func pct(v decimal.Decimal) decimal.Decimal {
	return v.Div(decimal.NewFromInt(100))
}

// buyCondition explains which trigger fired, with the computed trigger
// price where one exists.
func buyCondition(rule *models.Rule, price decimal.Decimal) string {
	switch rule.Limit.Kind {
	case models.LimitPercent:
		if rule.AveragePrice.IsPositive() {
			trigger := rule.AveragePrice.Mul(one.Sub(pct(rule.Limit.Value)))
			return fmt.Sprintf("- %s <= %s%% below avg %s (%s)",
				price, rule.Limit.Value, rule.AveragePrice, trigger)
		}
		return fmt.Sprintf("- %s (average price is 0, buying at current price)", price)
	case models.LimitHighPercent:
		trigger := rule.HighPrice.Mul(one.Sub(pct(rule.Limit.Value)))
		return fmt.Sprintf("- %s <= %s%% below high %s (%s)",
			price, rule.Limit.Value, rule.HighPrice, trigger)
	case models.LimitPrice:
		return fmt.Sprintf("- %s <= Limit Price(%s)", price, rule.Limit.Value)
	case models.LimitMonthly:
		return fmt.Sprintf("- %s (today is day %s)", price, rule.Limit.Value)
	default:
		return fmt.Sprintf("- %s (weekday is %s)", price, rule.Limit.Value)
	}
}

func sellCondition(rule *models.Rule, price decimal.Decimal) string {
	if rule.Limit.Kind == models.LimitPercent {
		trigger := rule.AveragePrice.Mul(one.Add(pct(rule.Limit.Value)))
		return fmt.Sprintf("- %s >= %s%% above avg %s (%s)",
			price, rule.Limit.Value, rule.AveragePrice, trigger)
	}
	return fmt.Sprintf("- %s >= Limit Price(%s)", price, rule.Limit.Value)
}

// BuyOrderMessage renders the notification body for a filled buy.
// holding is the cached quantity before this fill.
func BuyOrderMessage(rule *models.Rule, qty int64, price, holding decimal.Decimal, now time.Time) string {
	newHolding := holding.Add(decimal.NewFromInt(qty))
	totalCost := price.Mul(decimal.NewFromInt(qty))
	return fmt.Sprintf(`[BUY ORDER]
Account: %s (%s)
Symbol: %s
Purchase Price: %s
Quantity: %d
Total Cost: %s

Condition:
%s
- Target Quantity: %d
- Updated Quantity: %s -> %s
- Daily Money Limit: %s

Order At %s`,
		rule.AccountID, rule.UserID,
		rule.PositionKey(),
		price, qty, totalCost,
		buyCondition(rule, price),
		rule.TargetAmount,
		holding, newHolding,
		rule.DailyMoney,
		now.Format("2006-01-02 15:04:05"))
}

// SellOrderMessage renders the notification body for a filled sell.
func SellOrderMessage(rule *models.Rule, qty int64, price, holding decimal.Decimal, now time.Time) string {
	newHolding := holding.Sub(decimal.NewFromInt(qty))
	totalSale := price.Mul(decimal.NewFromInt(qty))
	return fmt.Sprintf(`[SELL ORDER]
Account: %s (%s)
Symbol: %s
Sell Price: %s
Quantity: %d
Total Sale: %s

Condition:
%s
- Target Quantity: %d
- Updated Quantity: %s -> %s
- Daily Money Limit: %s

Order At %s`,
		rule.AccountID, rule.UserID,
		rule.PositionKey(),
		price, qty, totalSale,
		sellCondition(rule, price),
		rule.TargetAmount,
		holding, newHolding,
		rule.DailyMoney,
		now.Format("2006-01-02 15:04:05"))
}

// IntegrityStopMessage renders the fail-closed notification sent right
// before the process exits on a state integrity violation.
func IntegrityStopMessage(err error) string {
	return fmt.Sprintf("BOT STOPPED (State Integrity Error): %v", err)
}

// CrashMessage renders the notification for an unexpected session
// failure.
func CrashMessage(market models.Market, err error) string {
	return fmt.Sprintf(`[TRADING SYSTEM CRASHED]
Market: %s
Error: %v
Status: Trading system crashed unexpectedly`,
		strings.ToUpper(string(market)), err)
}
