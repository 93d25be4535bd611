package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction is the direction a rule trades in.
type TradeAction string

const (
	// ActionBuy accumulates toward the rule's target amount.
	ActionBuy TradeAction = "BUY"
	// ActionSell unwinds down to the rule's target amount.
	ActionSell TradeAction = "SELL"
)

// RuleStatus is the lifecycle state of a trading rule.
type RuleStatus string

const (
	// StatusActive rules are evaluated every poll pass.
	StatusActive RuleStatus = "ACTIVE"
	// StatusProcessed marks a periodic rule that already fired this
	// cycle; the daily status update re-arms it on its next date.
	StatusProcessed RuleStatus = "PROCESSED"
	// StatusCompleted rules reached their target; re-activated only
	// by the admin.
	StatusCompleted RuleStatus = "COMPLETED"
	// StatusPaused rules are suspended by the admin.
	StatusPaused RuleStatus = "PAUSED"
)

// statusTransitions enumerates the transitions the Core may perform or
// observe. Admin-side reopening (COMPLETED/PAUSED -> ACTIVE) is listed
// so validation stays total over the lifecycle.
var statusTransitions = map[RuleStatus][]RuleStatus{
	StatusActive:    {StatusCompleted, StatusProcessed, StatusPaused},
	StatusProcessed: {StatusActive, StatusPaused},
	StatusCompleted: {StatusActive, StatusPaused},
	StatusPaused:    {StatusActive},
}

// CanTransition reports whether moving from s to next is a defined
// lifecycle transition.
func (s RuleStatus) CanTransition(next RuleStatus) bool {
	for _, t := range statusTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// LimitKind selects how a rule's limit value is interpreted.
type LimitKind string

const (
	// LimitPrice triggers on an absolute price level.
	LimitPrice LimitKind = "price"
	// LimitPercent triggers on a percent move from the average price.
	LimitPercent LimitKind = "percent"
	// LimitHighPercent triggers on a percent drawdown from the
	// historical high (BUY only).
	LimitHighPercent LimitKind = "high_percent"
	// LimitWeekly triggers on a weekday match (BUY only); the value
	// encodes 0=Monday .. 6=Sunday.
	LimitWeekly LimitKind = "weekly"
	// LimitMonthly triggers on a day-of-month match (BUY only);
	// the value encodes 1..31.
	LimitMonthly LimitKind = "monthly"
)

// Limit is the tagged union of a rule's trigger parameter: the meaning
// of Value depends on Kind.
type Limit struct {
	Kind  LimitKind
	Value decimal.Decimal
}

// IsPeriodic reports whether the limit fires on a calendar predicate
// rather than a price predicate.
func (l Limit) IsPeriodic() bool {
	return l.Kind == LimitWeekly || l.Kind == LimitMonthly
}

// MatchesDate reports whether t (already in the market's local zone)
// is the limit's scheduled day. Only meaningful for periodic limits.
func (l Limit) MatchesDate(t time.Time) bool {
	switch l.Kind {
	case LimitWeekly:
		// Weekday encoding follows the rule schema: 0=Monday.
		return int64((int(t.Weekday())+6)%7) == l.Value.IntPart()
	case LimitMonthly:
		return int64(t.Day()) == l.Value.IntPart()
	default:
		return false
	}
}

// Validate checks the limit's internal consistency against the action
// it is attached to.
func (l Limit) Validate(action TradeAction) error {
	switch l.Kind {
	case LimitPrice, LimitPercent:
	case LimitHighPercent:
		if action != ActionBuy {
			return fmt.Errorf("limit_type %s only supports BUY", l.Kind)
		}
	case LimitWeekly:
		if action != ActionBuy {
			return fmt.Errorf("limit_type %s only supports BUY", l.Kind)
		}
		if v := l.Value.IntPart(); v < 0 || v > 6 {
			return fmt.Errorf("weekly limit_value %s out of range 0-6", l.Value)
		}
	case LimitMonthly:
		if action != ActionBuy {
			return fmt.Errorf("limit_type %s only supports BUY", l.Kind)
		}
		if v := l.Value.IntPart(); v < 1 || v > 31 {
			return fmt.Errorf("monthly limit_value %s out of range 1-31", l.Value)
		}
	default:
		return fmt.Errorf("unknown limit_type %q", l.Kind)
	}
	return nil
}

// Rule is a per-symbol trading rule, exclusively owned by one account.
type Rule struct {
	ID        int64
	AccountID string
	UserID    string
	HashValue string

	Symbol    string
	StockName string // KR market name; empty for US
	Action    TradeAction
	Limit     Limit

	TargetAmount int64
	DailyMoney   decimal.Decimal
	CashOnly     bool
	Status       RuleStatus

	// Observed fields, refreshed by the end-of-day snapshot.
	CurrentHolding decimal.Decimal
	AveragePrice   decimal.Decimal
	LastPrice      decimal.Decimal
	HighPrice      decimal.Decimal
}

// PositionKey returns the key this rule's holding is cached under in
// the session position maps: the KR broker reports holdings by stock
// name, the US broker by ticker symbol.
func (r *Rule) PositionKey() string {
	if r.StockName != "" {
		return r.StockName
	}
	return r.Symbol
}

// BuyTriggered reports whether the rule's buy condition holds at the
// given last price. now must be in the market's local zone.
func (r *Rule) BuyTriggered(last decimal.Decimal, now time.Time) bool {
	if r.Action != ActionBuy {
		return false
	}
	switch r.Limit.Kind {
	case LimitPrice:
		return last.LessThanOrEqual(r.Limit.Value)
	case LimitPercent:
		if r.AveragePrice.IsZero() {
			// Accumulation seed: no basis yet, buy at market.
			return true
		}
		trigger := r.AveragePrice.Mul(decimal.NewFromInt(1).Sub(r.Limit.Value.Div(decimal.NewFromInt(100))))
		return last.LessThanOrEqual(trigger)
	case LimitHighPercent:
		if !r.HighPrice.IsPositive() {
			return false
		}
		trigger := r.HighPrice.Mul(decimal.NewFromInt(1).Sub(r.Limit.Value.Div(decimal.NewFromInt(100))))
		return last.LessThanOrEqual(trigger)
	case LimitWeekly, LimitMonthly:
		return r.Limit.MatchesDate(now)
	}
	return false
}

// SellTriggered reports whether the rule's sell condition holds at the
// given last price.
func (r *Rule) SellTriggered(last decimal.Decimal) bool {
	if r.Action != ActionSell {
		return false
	}
	switch r.Limit.Kind {
	case LimitPrice:
		return last.GreaterThanOrEqual(r.Limit.Value)
	case LimitPercent:
		if !r.AveragePrice.IsPositive() {
			// No basis to measure the gain from; never sell blind.
			return false
		}
		trigger := r.AveragePrice.Mul(decimal.NewFromInt(1).Add(r.Limit.Value.Div(decimal.NewFromInt(100))))
		return last.GreaterThanOrEqual(trigger)
	}
	return false
}

// Validate checks the rule's invariants.
func (r *Rule) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("rule %d: symbol is required", r.ID)
	}
	if r.Action != ActionBuy && r.Action != ActionSell {
		return fmt.Errorf("rule %d: invalid trade_action %q", r.ID, r.Action)
	}
	if r.TargetAmount < 0 {
		return fmt.Errorf("rule %d: target_amount must be >= 0", r.ID)
	}
	if r.DailyMoney.IsNegative() {
		return fmt.Errorf("rule %d: daily_money must be >= 0", r.ID)
	}
	if err := r.Limit.Validate(r.Action); err != nil {
		return fmt.Errorf("rule %d: %w", r.ID, err)
	}
	return nil
}
