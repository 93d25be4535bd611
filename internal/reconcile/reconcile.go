// Package reconcile adjusts rule numerics after corporate actions.
// When a split or merge changes the share count, the rule's target
// quantity and historical high are rescaled by the average-price ratio
// so the policy keeps its original economic meaning.
package reconcile

import (
	"log"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

// quantityTolerance mirrors the integrity check: differences below it
// are broker float noise, not corporate actions.
var quantityTolerance = decimal.RequireFromString("0.001")

// Adjustment is one rule correction to persist.
type Adjustment struct {
	RuleID       int64
	Symbol       string
	Ratio        decimal.Decimal
	AveragePrice decimal.Decimal
	HighPrice    decimal.Decimal
	TargetAmount int64
	Holding      decimal.Decimal
}

// Reconciler plans split/merge corrections for active rules.
type Reconciler struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Plan compares each rule's stored holding and cost basis against the
// broker's detailed positions and returns the corrections to apply.
// positions is keyed account-hash -> position-key -> detail.
//
// ratio = broker_avg / db_avg. Quantity scales inversely with price,
// so target divides by the ratio while prices multiply by it. Rules
// where either average is zero are skipped: there is no basis to
// compute a ratio from.
func (r *Reconciler) Plan(rules []models.Rule, positions map[string]map[string]models.PositionDetail) []Adjustment {
	var adjustments []Adjustment

	for i := range rules {
		rule := &rules[i]

		acct, ok := positions[rule.HashValue]
		if !ok {
			continue
		}
		pos, ok := acct[rule.PositionKey()]
		if !ok {
			continue
		}

		diff := pos.Quantity.Sub(rule.CurrentHolding).Abs()
		if diff.LessThanOrEqual(quantityTolerance) {
			continue
		}
		if !rule.AveragePrice.IsPositive() || !pos.AveragePrice.IsPositive() {
			r.logger.Printf("WARN: split signature for %s (rule %d) but avg price is 0, skipping adjustment",
				rule.Symbol, rule.ID)
			continue
		}

		ratio := pos.AveragePrice.Div(rule.AveragePrice)
		newHigh := rule.HighPrice.Mul(ratio)
		newTarget := decimal.NewFromInt(rule.TargetAmount).Div(ratio).Floor().IntPart()

		r.logger.Printf("split/merge detected for %s (rule %d): avg %s -> %s (ratio %s)",
			rule.Symbol, rule.ID, rule.AveragePrice, pos.AveragePrice, ratio.StringFixed(4))
		r.logger.Printf("adjusting %s: target %d -> %d, high %s -> %s",
			rule.Symbol, rule.TargetAmount, newTarget, rule.HighPrice, newHigh)

		adjustments = append(adjustments, Adjustment{
			RuleID:       rule.ID,
			Symbol:       rule.Symbol,
			Ratio:        ratio,
			AveragePrice: pos.AveragePrice,
			HighPrice:    newHigh,
			TargetAmount: newTarget,
			Holding:      pos.Quantity,
		})
	}

	return adjustments
}
