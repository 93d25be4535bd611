// Package calc implements the pure trade-quantity calculator. Given a
// rule's policy limits and live market data it decides how many shares
// to buy or sell and why the quantity was limited. No I/O happens here.
package calc

import (
	"github.com/shopspring/decimal"
)

// Limiting reasons returned by the calculator. Callers branch on these
// to decide whether to fund a shortfall or skip the rule.
const (
	ReasonOK               = "OK"
	ReasonInvalidPrice     = "Invalid Price"
	ReasonTargetReached    = "Target Reached"
	ReasonNoSurplus        = "Target Reached (No Surplus)"
	ReasonDailyLimit       = "Daily Limit Reached"
	ReasonInsufficientCash = "Insufficient Cash"
	ReasonNeedCash         = "Need Cash"
)

// BuyDecision is the calculator's answer for a buy trigger.
type BuyDecision struct {
	Quantity     int64
	RequiredCash decimal.Decimal
	Reason       string
	// Shortfall is how much more cash is needed to fund the full
	// policy quantity; non-zero only when Reason is ReasonNeedCash.
	Shortfall decimal.Decimal
}

// SellDecision is the calculator's answer for a sell trigger.
type SellDecision struct {
	Quantity int64
	Revenue  decimal.Decimal
	Reason   string
}

// floorDiv returns floor(a/b) as a share count. Floor, never round:
// rounding up risks exceeding a budget by one share.
func floorDiv(a, b decimal.Decimal) int64 {
	return a.Div(b).Floor().IntPart()
}

// BuyQuantity decides how many shares to buy.
//
// The policy quantity is the stricter of the gap to target and the
// remaining daily budget. With cashOnly the quantity is further
// clipped to what the cash balance affords; otherwise the full policy
// quantity is returned together with the cash shortfall so the caller
// can liquidate sweep ETFs and retry.
func BuyQuantity(target, holding int64, dailyMoney, todayUsed, price, cashAvailable decimal.Decimal, cashOnly bool) BuyDecision {
	zero := decimal.Zero
	if !price.IsPositive() {
		return BuyDecision{0, zero, ReasonInvalidPrice, zero}
	}

	// Gap to target. A negative holding means a short to cover, so
	// the gap widens past the target.
	qtyGap := target - holding
	if holding >= 0 && qtyGap < 0 {
		qtyGap = 0
	}

	budgetRemaining := dailyMoney.Sub(todayUsed)
	if budgetRemaining.IsNegative() {
		budgetRemaining = zero
	}
	qtyByBudget := floorDiv(budgetRemaining, price)

	policyQty := qtyGap
	if qtyByBudget < policyQty {
		policyQty = qtyByBudget
	}
	if policyQty <= 0 {
		reason := ReasonDailyLimit
		if qtyGap <= 0 {
			reason = ReasonTargetReached
		}
		return BuyDecision{0, zero, reason, zero}
	}

	policyCost := price.Mul(decimal.NewFromInt(policyQty))

	if cashOnly {
		affordable := floorDiv(cashAvailable, price)
		final := policyQty
		reason := ReasonOK
		if affordable < final {
			final = affordable
			reason = ReasonInsufficientCash
		}
		if final < 0 {
			final = 0
		}
		return BuyDecision{final, price.Mul(decimal.NewFromInt(final)), reason, zero}
	}

	if policyCost.GreaterThan(cashAvailable) {
		return BuyDecision{policyQty, policyCost, ReasonNeedCash, policyCost.Sub(cashAvailable)}
	}
	return BuyDecision{policyQty, policyCost, ReasonOK, zero}
}

// SellQuantity decides how many shares to sell: the surplus over
// target, clipped by the remaining daily budget.
func SellQuantity(target, holding int64, dailyMoney, todayUsed, price decimal.Decimal) SellDecision {
	zero := decimal.Zero
	if !price.IsPositive() {
		return SellDecision{0, zero, ReasonInvalidPrice}
	}

	surplus := holding - target
	if surplus < 0 {
		surplus = 0
	}

	budgetRemaining := dailyMoney.Sub(todayUsed)
	if budgetRemaining.IsNegative() {
		budgetRemaining = zero
	}
	qtyByBudget := floorDiv(budgetRemaining, price)

	final := surplus
	if qtyByBudget < final {
		final = qtyByBudget
	}
	if final <= 0 {
		reason := ReasonDailyLimit
		if surplus <= 0 {
			reason = ReasonNoSurplus
		}
		return SellDecision{0, zero, reason}
	}
	return SellDecision{final, price.Mul(decimal.NewFromInt(final)), ReasonOK}
}
