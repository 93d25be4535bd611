package guard

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

// Verdict classifies one rule's DB-vs-broker comparison.
type Verdict string

const (
	// VerdictMatch means quantities agree within tolerance.
	VerdictMatch Verdict = "match"
	// VerdictPhantom means the DB claims a holding the broker does
	// not have; trading on it would be phantom selling.
	VerdictPhantom Verdict = "phantom_db_position"
	// VerdictNewPosition means the broker holds a symbol the DB does
	// not track yet; unmanaged and safe.
	VerdictNewPosition Verdict = "new_position"
	// VerdictBrokerPriceZero means quantities mismatch while the
	// broker reports a zero price; a data error.
	VerdictBrokerPriceZero Verdict = "broker_price_zero"
	// VerdictDBAvgZero means quantities mismatch while the DB has no
	// cost basis to judge the ratio by; a data anomaly.
	VerdictDBAvgZero Verdict = "db_avg_zero"
	// VerdictManualTrade means quantities mismatch and the price
	// ratio sits inside the normal-volatility band, so the change was
	// not a corporate action.
	VerdictManualTrade Verdict = "manual_trade"
	// VerdictSplitSignature means quantities mismatch and the price
	// ratio is outside the band; the reconciler handles it.
	VerdictSplitSignature Verdict = "split_signature"
)

// quantityTolerance absorbs broker float noise in share counts.
var quantityTolerance = decimal.RequireFromString("0.001")

// Normal-volatility band for the broker-price / db-average ratio.
// A mismatch inside the band cannot be a split.
var (
	splitBandLow  = decimal.RequireFromString("0.7")
	splitBandHigh = decimal.RequireFromString("1.3")
)

// Issue is one integrity violation found during the pre-session check.
type Issue struct {
	RuleID  int64
	Symbol  string
	Verdict Verdict
	Detail  string
}

// Classify compares a rule's stored holding against the broker's view
// and names what happened. The classifier is total over
// {match, phantom, new, price-0, db-avg-0, manual, split}.
func Classify(dbQty, dbAvg, brokerQty, brokerPrice decimal.Decimal) Verdict {
	diff := brokerQty.Sub(dbQty).Abs()
	if diff.LessThan(quantityTolerance) {
		return VerdictMatch
	}
	if dbQty.IsPositive() && brokerQty.IsZero() {
		return VerdictPhantom
	}
	if dbQty.IsZero() && brokerQty.IsPositive() {
		return VerdictNewPosition
	}
	if !dbAvg.IsPositive() {
		return VerdictDBAvgZero
	}
	if !brokerPrice.IsPositive() {
		return VerdictBrokerPriceZero
	}
	ratio := brokerPrice.Div(dbAvg)
	if ratio.GreaterThanOrEqual(splitBandLow) && ratio.LessThanOrEqual(splitBandHigh) {
		return VerdictManualTrade
	}
	return VerdictSplitSignature
}

// fatal reports whether a verdict must stop the session.
func (v Verdict) fatal() bool {
	switch v {
	case VerdictPhantom, VerdictBrokerPriceZero, VerdictDBAvgZero, VerdictManualTrade:
		return true
	}
	return false
}

// CheckIntegrity runs the classifier over every active rule of a user
// against the detailed broker positions, aggregating all violations.
// positions is keyed account-hash -> position-key -> detail.
func CheckIntegrity(rules []models.Rule, positions map[string]map[string]models.PositionDetail) []Issue {
	var issues []Issue

	for i := range rules {
		rule := &rules[i]

		var brokerQty, brokerPrice decimal.Decimal
		if acct, ok := positions[rule.HashValue]; ok {
			if pos, ok := acct[rule.PositionKey()]; ok {
				brokerQty = pos.Quantity
				brokerPrice = pos.LastPrice
			}
		}

		verdict := Classify(rule.CurrentHolding, rule.AveragePrice, brokerQty, brokerPrice)
		if !verdict.fatal() {
			continue
		}

		var detail string
		switch verdict {
		case VerdictPhantom:
			detail = fmt.Sprintf("phantom position in DB: db=%s broker=0", rule.CurrentHolding)
		case VerdictBrokerPriceZero:
			detail = fmt.Sprintf("quantity mismatch with invalid broker price: db=%s broker=%s", rule.CurrentHolding, brokerQty)
		case VerdictDBAvgZero:
			detail = fmt.Sprintf("quantity mismatch with db average price 0: db=%s broker=%s", rule.CurrentHolding, brokerQty)
		case VerdictManualTrade:
			ratio := brokerPrice.Div(rule.AveragePrice)
			detail = fmt.Sprintf("quantity mismatch without split signature: db=%s broker=%s ratio=%s (likely manual trade)",
				rule.CurrentHolding, brokerQty, ratio.StringFixed(2))
		}
		issues = append(issues, Issue{
			RuleID:  rule.ID,
			Symbol:  rule.Symbol,
			Verdict: verdict,
			Detail:  detail,
		})
	}

	return issues
}

// IntegrityError aggregates a batch of issues into one fatal error.
func IntegrityError(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		lines = append(lines, fmt.Sprintf("rule %d (%s): %s", is.RuleID, is.Symbol, is.Detail))
	}
	return &SafetyError{
		Kind:   KindIntegrity,
		Symbol: fmt.Sprintf("%d rule(s)", len(issues)),
		Msg:    "state integrity error:\n" + strings.Join(lines, "\n"),
	}
}
