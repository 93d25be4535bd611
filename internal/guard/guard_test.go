package guard

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykimdev/ruletrader/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func i64(v int64) *int64 { return &v }

func TestValidateBuy(t *testing.T) {
	tests := []struct {
		name    string
		market  models.Market
		price   string
		qty     int64
		cash    string
		wantErr string
	}{
		{"valid order", models.MarketUS, "100", 10, "2000", ""},
		{"zero quantity", models.MarketUS, "100", 0, "2000", "invalid quantity"},
		{"negative quantity", models.MarketUS, "100", -5, "2000", "invalid quantity"},
		{"zero price", models.MarketUS, "0", 10, "2000", "invalid price"},
		{"fat finger exceeds usd hard limit", models.MarketUS, "200", 1000, "500000", "exceeds hard limit 100000"},
		{"fat finger exceeds krw hard limit", models.MarketKR, "70200", 2000, "1000000000", "exceeds hard limit 100000000"},
		{"penny price below usd floor", models.MarketUS, "0.49", 10, "2000", "below minimum threshold"},
		{"penny price below krw floor", models.MarketKR, "49", 10, "1000000", "below minimum threshold"},
		{"solvency strict no epsilon", models.MarketUS, "100", 10, "999.99", "exceeds available cash"},
		{"solvency exact cash passes", models.MarketUS, "100", 10, "1000", ""},
		{"zero cash skips solvency check", models.MarketUS, "100", 10, "0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBuy(tt.market, "AAPL", d(tt.price), tt.qty, d(tt.cash))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var se *SafetyError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, KindSafety, se.Kind)
		})
	}
}

func TestValidateSell(t *testing.T) {
	tests := []struct {
		name    string
		market  models.Market
		price   string
		qty     int64
		holding *int64
		wantErr string
	}{
		{"valid order", models.MarketUS, "100", 10, i64(10), ""},
		{"zero quantity", models.MarketUS, "100", 0, i64(10), "invalid quantity"},
		{"negative price", models.MarketUS, "-1", 10, i64(10), "invalid price"},
		{"fat finger", models.MarketUS, "5000", 100, i64(100), "exceeds hard limit"},
		{"below price floor", models.MarketKR, "10", 10, i64(10), "below minimum threshold"},
		{"naked short blocked", models.MarketUS, "100", 11, i64(10), "exceeds current holding"},
		{"nil holding skips check", models.MarketUS, "100", 999, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSell(tt.market, "AAPL", d(tt.price), tt.qty, tt.holding)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name                             string
		dbQty, dbAvg, brokerQty, brokerP string
		want                             Verdict
	}{
		{"exact match", "100", "150", "100", "150", VerdictMatch},
		{"match within tolerance", "100", "150", "100.0005", "150", VerdictMatch},
		{"phantom db position", "100", "150", "0", "0", VerdictPhantom},
		{"new unmanaged position", "0", "0", "50", "120", VerdictNewPosition},
		{"mismatch with broker price zero", "100", "150", "50", "0", VerdictBrokerPriceZero},
		{"mismatch with db average zero", "100", "0", "50", "150", VerdictDBAvgZero},
		{"manual trade ratio inside band", "100", "150", "50", "150", VerdictManualTrade},
		{"manual trade at band edge low", "100", "100", "50", "70", VerdictManualTrade},
		{"manual trade at band edge high", "100", "100", "50", "130", VerdictManualTrade},
		{"forward split signature", "100", "100", "200", "69", VerdictSplitSignature},
		{"reverse split signature", "200", "50", "100", "101", VerdictSplitSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(d(tt.dbQty), d(tt.dbAvg), d(tt.brokerQty), d(tt.brokerP))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckIntegrity(t *testing.T) {
	rule := func(id int64, symbol string, holding, avg string) models.Rule {
		return models.Rule{
			ID: id, Symbol: symbol, HashValue: "hash-1",
			Action: models.ActionBuy,
			Limit:  models.Limit{Kind: models.LimitPrice, Value: d("100")},
			Status: models.StatusActive,
			CurrentHolding: d(holding), AveragePrice: d(avg),
		}
	}

	t.Run("manual sell is fatal", func(t *testing.T) {
		rules := []models.Rule{rule(1, "AAPL", "100", "150")}
		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"AAPL": {Quantity: d("50"), AveragePrice: d("150"), LastPrice: d("150")}},
		}
		issues := CheckIntegrity(rules, positions)
		require.Len(t, issues, 1)
		assert.Equal(t, VerdictManualTrade, issues[0].Verdict)
		assert.Contains(t, issues[0].Detail, "manual trade")

		err := IntegrityError(issues)
		require.Error(t, err)
		var se *SafetyError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, KindIntegrity, se.Kind)
	})

	t.Run("split signature passes through to reconciler", func(t *testing.T) {
		rules := []models.Rule{rule(2, "NVDA", "100", "100")}
		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"NVDA": {Quantity: d("200"), AveragePrice: d("69"), LastPrice: d("69")}},
		}
		assert.Empty(t, CheckIntegrity(rules, positions))
	})

	t.Run("absent broker entry counts as zero holding", func(t *testing.T) {
		rules := []models.Rule{rule(3, "MSFT", "10", "300")}
		issues := CheckIntegrity(rules, map[string]map[string]models.PositionDetail{})
		require.Len(t, issues, 1)
		assert.Equal(t, VerdictPhantom, issues[0].Verdict)
	})

	t.Run("issues aggregate across rules", func(t *testing.T) {
		rules := []models.Rule{
			rule(4, "AAPL", "100", "150"), // phantom (no broker data)
			rule(5, "TSLA", "10", "0"),    // db avg zero mismatch
		}
		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"TSLA": {Quantity: d("5"), AveragePrice: d("0"), LastPrice: d("200")}},
		}
		issues := CheckIntegrity(rules, positions)
		assert.Len(t, issues, 2)
	})

	t.Run("kr rules match on stock name", func(t *testing.T) {
		r := rule(6, "005930", "10", "70000")
		r.StockName = "삼성전자"
		positions := map[string]map[string]models.PositionDetail{
			"hash-1": {"삼성전자": {Quantity: d("10"), AveragePrice: d("70000"), LastPrice: d("71000")}},
		}
		assert.Empty(t, CheckIntegrity([]models.Rule{r}, positions))
	})

	t.Run("empty state is clean", func(t *testing.T) {
		assert.Empty(t, CheckIntegrity(nil, nil))
		assert.NoError(t, IntegrityError(nil))
	})
}
