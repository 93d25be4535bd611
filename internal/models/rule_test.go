package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseMarket(t *testing.T) {
	m, err := ParseMarket("us")
	require.NoError(t, err)
	assert.Equal(t, MarketUS, m)

	m, err = ParseMarket("kr")
	require.NoError(t, err)
	assert.Equal(t, MarketKR, m)

	_, err = ParseMarket("jp")
	assert.Error(t, err)
}

func TestMarketRoundPriceTruncates(t *testing.T) {
	assert.True(t, d("123.45").Equal(MarketUS.RoundPrice(d("123.459"))))
	assert.True(t, d("71249").Equal(MarketKR.RoundPrice(d("71249.9"))))
}

func TestBuyTriggered(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) // Tuesday

	tests := []struct {
		name string
		rule Rule
		last string
		want bool
	}{
		{
			name: "price limit hit",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPrice, Value: d("200")}},
			last: "199.50",
			want: true,
		},
		{
			name: "price limit not hit",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPrice, Value: d("200")}},
			last: "200.01",
			want: false,
		},
		{
			name: "percent below average",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPercent, Value: d("3")}, AveragePrice: d("100")},
			last: "97",
			want: true,
		},
		{
			name: "percent above trigger",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPercent, Value: d("3")}, AveragePrice: d("100")},
			last: "97.01",
			want: false,
		},
		{
			name: "percent with zero average seeds at market",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPercent, Value: d("3")}},
			last: "9999",
			want: true,
		},
		{
			name: "high percent drawdown",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitHighPercent, Value: d("10")}, HighPrice: d("200")},
			last: "180",
			want: true,
		},
		{
			name: "high percent without recorded high never fires",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitHighPercent, Value: d("10")}},
			last: "1",
			want: false,
		},
		{
			name: "weekly on scheduled weekday",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitWeekly, Value: d("1")}},
			last: "100",
			want: true,
		},
		{
			name: "weekly off schedule",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitWeekly, Value: d("0")}},
			last: "100",
			want: false,
		},
		{
			name: "monthly on scheduled day",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitMonthly, Value: d("25")}},
			last: "100",
			want: true,
		},
		{
			name: "sell rule never buy-triggers",
			rule: Rule{Action: ActionSell, Limit: Limit{Kind: LimitPrice, Value: d("200")}},
			last: "1",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.BuyTriggered(d(tt.last), now))
		})
	}
}

func TestSellTriggered(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		last string
		want bool
	}{
		{
			name: "price limit reached",
			rule: Rule{Action: ActionSell, Limit: Limit{Kind: LimitPrice, Value: d("200")}},
			last: "200",
			want: true,
		},
		{
			name: "percent above average",
			rule: Rule{Action: ActionSell, Limit: Limit{Kind: LimitPercent, Value: d("5")}, AveragePrice: d("100")},
			last: "105",
			want: true,
		},
		{
			name: "percent below trigger",
			rule: Rule{Action: ActionSell, Limit: Limit{Kind: LimitPercent, Value: d("5")}, AveragePrice: d("100")},
			last: "104.99",
			want: false,
		},
		{
			name: "percent with no basis never sells",
			rule: Rule{Action: ActionSell, Limit: Limit{Kind: LimitPercent, Value: d("5")}},
			last: "9999",
			want: false,
		},
		{
			name: "buy rule never sell-triggers",
			rule: Rule{Action: ActionBuy, Limit: Limit{Kind: LimitPrice, Value: d("200")}},
			last: "9999",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.SellTriggered(d(tt.last)))
		})
	}
}

func TestLimitMatchesDateUsesMondayZero(t *testing.T) {
	monday := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)

	weekly := Limit{Kind: LimitWeekly, Value: d("0")}
	assert.True(t, weekly.MatchesDate(monday))
	assert.False(t, weekly.MatchesDate(sunday))

	sundayLimit := Limit{Kind: LimitWeekly, Value: d("6")}
	assert.True(t, sundayLimit.MatchesDate(sunday))

	monthly := Limit{Kind: LimitMonthly, Value: d("24")}
	assert.True(t, monthly.MatchesDate(monday))
	assert.False(t, monthly.MatchesDate(sunday))

	price := Limit{Kind: LimitPrice, Value: d("100")}
	assert.False(t, price.MatchesDate(monday))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusActive.CanTransition(StatusCompleted))
	assert.True(t, StatusActive.CanTransition(StatusProcessed))
	assert.True(t, StatusProcessed.CanTransition(StatusActive))
	assert.True(t, StatusPaused.CanTransition(StatusActive))
	assert.False(t, StatusCompleted.CanTransition(StatusProcessed))
	assert.False(t, StatusPaused.CanTransition(StatusCompleted))
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{
		ID:           1,
		Symbol:       "AAPL",
		Action:       ActionBuy,
		Limit:        Limit{Kind: LimitPrice, Value: d("200")},
		TargetAmount: 10,
		DailyMoney:   d("5000"),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr string
	}{
		{"missing symbol", func(r *Rule) { r.Symbol = "" }, "symbol is required"},
		{"bad action", func(r *Rule) { r.Action = "HOLD" }, "invalid trade_action"},
		{"negative target", func(r *Rule) { r.TargetAmount = -1 }, "target_amount"},
		{"negative daily money", func(r *Rule) { r.DailyMoney = d("-1") }, "daily_money"},
		{"unknown limit kind", func(r *Rule) { r.Limit.Kind = "hourly" }, "unknown limit_type"},
		{"weekly out of range", func(r *Rule) { r.Limit = Limit{Kind: LimitWeekly, Value: d("7")} }, "out of range 0-6"},
		{"monthly out of range", func(r *Rule) { r.Limit = Limit{Kind: LimitMonthly, Value: d("32")} }, "out of range 1-31"},
		{"weekly sell rejected", func(r *Rule) {
			r.Action = ActionSell
			r.Limit = Limit{Kind: LimitWeekly, Value: d("1")}
		}, "only supports BUY"},
		{"high percent sell rejected", func(r *Rule) {
			r.Action = ActionSell
			r.Limit = Limit{Kind: LimitHighPercent, Value: d("10")}
		}, "only supports BUY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPositionKeyPrefersStockName(t *testing.T) {
	kr := Rule{Symbol: "005930", StockName: "삼성전자"}
	assert.Equal(t, "삼성전자", kr.PositionKey())

	us := Rule{Symbol: "AAPL"}
	assert.Equal(t, "AAPL", us.PositionKey())
}
