package reconcile

import (
	"io"
	"log"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykimdev/ruletrader/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newReconciler() *Reconciler {
	return New(log.New(io.Discard, "", 0))
}

func baseRule(id int64, symbol string) models.Rule {
	return models.Rule{
		ID: id, Symbol: symbol, HashValue: "hash-1",
		Action: models.ActionBuy,
		Limit:  models.Limit{Kind: models.LimitPrice, Value: d("100")},
		Status: models.StatusActive,
	}
}

func TestPlan(t *testing.T) {
	t.Run("forward split rescales target and high", func(t *testing.T) {
		rule := baseRule(1, "NVDA")
		rule.CurrentHolding = d("100")
		rule.AveragePrice = d("100")
		rule.HighPrice = d("140")
		rule.TargetAmount = 100

		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"NVDA": {Quantity: d("200"), AveragePrice: d("50"), LastPrice: d("69")}},
		}

		adj := newReconciler().Plan([]models.Rule{rule}, positions)
		require.Len(t, adj, 1)
		assert.Equal(t, int64(1), adj[0].RuleID)
		assert.True(t, d("0.5").Equal(adj[0].Ratio))
		assert.True(t, d("50").Equal(adj[0].AveragePrice))
		assert.True(t, d("70").Equal(adj[0].HighPrice))
		assert.Equal(t, int64(200), adj[0].TargetAmount)
		assert.True(t, d("200").Equal(adj[0].Holding))
	})

	t.Run("reverse split shrinks target", func(t *testing.T) {
		rule := baseRule(2, "SOXL")
		rule.CurrentHolding = d("150")
		rule.AveragePrice = d("10")
		rule.HighPrice = d("12")
		rule.TargetAmount = 150

		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"SOXL": {Quantity: d("10"), AveragePrice: d("150"), LastPrice: d("148")}},
		}

		adj := newReconciler().Plan([]models.Rule{rule}, positions)
		require.Len(t, adj, 1)
		assert.True(t, d("15").Equal(adj[0].Ratio))
		assert.Equal(t, int64(10), adj[0].TargetAmount)
		assert.True(t, d("180").Equal(adj[0].HighPrice))
	})

	t.Run("matching quantity is left alone", func(t *testing.T) {
		rule := baseRule(3, "AAPL")
		rule.CurrentHolding = d("100")
		rule.AveragePrice = d("150")
		rule.TargetAmount = 100

		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"AAPL": {Quantity: d("100.0005"), AveragePrice: d("150"), LastPrice: d("151")}},
		}
		assert.Empty(t, newReconciler().Plan([]models.Rule{rule}, positions))
	})

	t.Run("zero averages skip the rule", func(t *testing.T) {
		rule := baseRule(4, "TSLA")
		rule.CurrentHolding = d("100")
		rule.AveragePrice = d("0")
		rule.TargetAmount = 100

		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"TSLA": {Quantity: d("300"), AveragePrice: d("80"), LastPrice: d("80")}},
		}
		assert.Empty(t, newReconciler().Plan([]models.Rule{rule}, positions))

		rule.AveragePrice = d("240")
		positions["hash-1"]["TSLA"] = models.PositionDetail{Quantity: d("300"), AveragePrice: d("0"), LastPrice: d("80")}
		assert.Empty(t, newReconciler().Plan([]models.Rule{rule}, positions))
	})

	t.Run("absent broker position is not a split", func(t *testing.T) {
		rule := baseRule(5, "MSFT")
		rule.CurrentHolding = d("10")
		rule.AveragePrice = d("300")
		assert.Empty(t, newReconciler().Plan([]models.Rule{rule}, nil))
	})
}

// Applying ratio r and then 1/r returns the original target within one
// unit of floor error, and the high price exactly. Forward splits
// (r < 1) round-trip exactly; merges lose at most one unit when the
// merged count divides back evenly.
func TestRoundTripWithinFloorError(t *testing.T) {
	cases := []struct {
		ratio  string
		target int64
	}{
		{"0.5", 1}, {"0.5", 7}, {"0.5", 333},
		{"0.25", 10}, {"0.25", 9999},
		{"0.1", 7}, {"0.1", 100},
		{"2", 7}, {"2", 100}, {"2", 333},
		{"3", 7}, {"3", 333},
		{"10", 100}, {"10", 12340},
	}

	high := d("123.45")
	for _, c := range cases {
		ratio := d(c.ratio)
		forward := decimal.NewFromInt(c.target).Div(ratio).Floor().IntPart()
		back := decimal.NewFromInt(forward).Mul(ratio).Floor().IntPart()
		assert.InDelta(t, c.target, back, 1, "ratio=%s target=%d", c.ratio, c.target)

		assert.True(t, high.Mul(ratio).Div(ratio).Equal(high))
	}
}
