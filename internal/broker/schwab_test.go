package broker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykimdev/ruletrader/internal/clock"
	"github.com/ykimdev/ruletrader/internal/models"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestSchwab(t *testing.T, handler http.Handler) *SchwabClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSchwabClient("test-token", discardLogger()).
		WithBaseURLs(srv.URL, srv.URL)
}

func TestSchwabGetHashes(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/accountNumbers", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"accountNumber":"12345678","hashValue":"ABCDEF"}]`))
	}))

	hashes, err := client.GetHashes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"12345678": "ABCDEF"}, hashes)
}

func TestSchwabGetPositionsDetail(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/ABCDEF", r.URL.Path)
		assert.Equal(t, "positions", r.URL.Query().Get("fields"))
		_, _ = w.Write([]byte(`{
			"securitiesAccount": {
				"positions": [
					{"instrument":{"symbol":"AAPL"},"longQuantity":10,"averagePrice":150.25,"marketValue":1600},
					{"instrument":{"symbol":"BIL"},"longQuantity":20,"averagePrice":91.5,"marketValue":1832}
				],
				"currentBalances": {"cashAvailableForTrading": 5000.50}
			},
			"aggregatedBalance": {"currentLiquidationValue": 8432.50}
		}`))
	}))

	positions, err := client.GetPositionsDetail(context.Background(), "ABCDEF")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	aapl := positions["AAPL"]
	assert.True(t, decimal.NewFromInt(10).Equal(aapl.Quantity))
	assert.True(t, decimal.RequireFromString("150.25").Equal(aapl.AveragePrice))
	assert.True(t, decimal.NewFromInt(160).Equal(aapl.LastPrice))
}

func TestSchwabGetAccountResult(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"securitiesAccount": {"currentBalances": {"cashAvailableForTrading": 1234.56}},
			"aggregatedBalance": {"currentLiquidationValue": 9999.99}
		}`))
	}))

	cash, total, err := client.GetAccountResult(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.56").Equal(cash))
	assert.True(t, decimal.RequireFromString("9999.99").Equal(total))
}

func TestSchwabGetLastPriceRoundsToCents(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/AAPL/quotes", r.URL.Path)
		_, _ = w.Write([]byte(`{"AAPL":{"quote":{"lastPrice":199.99999}}}`))
	}))

	price, err := client.GetLastPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("199.99").Equal(price))
}

func TestSchwabAPIError(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token expired"}`))
	}))

	_, err := client.GetHashes(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSchwabPlaceLimitBuy(t *testing.T) {
	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/ABCDEF/orders", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{
			"orderType":"LIMIT","session":"SEAMLESS","duration":"DAY","price":"150.25",
			"orderStrategyType":"SINGLE",
			"orderLegCollection":[{"instruction":"BUY","quantity":10,
				"instrument":{"symbol":"AAPL","assetType":"EQUITY"}}]
		}`, string(body))
		w.Header().Set("Location", "https://api.schwabapi.com/trader/v1/accounts/ABCDEF/orders/456789")
		w.WriteHeader(http.StatusCreated)
	}))

	order, err := client.PlaceLimitBuy(context.Background(), "ABCDEF", "AAPL", 10, decimal.RequireFromString("150.25"))
	require.NoError(t, err)
	assert.True(t, order.IsSuccess())
	assert.Equal(t, "456789", order.OrderID())
}

func TestSchwabMarketOpen(t *testing.T) {
	loc := models.MarketUS.Location()
	calls := 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/markets", r.URL.Path)
		_, _ = w.Write([]byte(`{"equity":{"EQ":{"isOpen":true,"sessionHours":{"regularMarket":[
			{"start":"2026-08-25T09:30:00-04:00","end":"2026-08-25T16:00:00-04:00"}
		]}}}}`))
	})

	t.Run("weekend short-circuits without API call", func(t *testing.T) {
		client := newTestSchwab(t, handler).
			WithClock(clock.NewFrozen(time.Date(2026, 8, 22, 10, 0, 0, 0, loc)))
		open, err := client.MarketOpen(context.Background())
		require.NoError(t, err)
		assert.False(t, open)
	})

	t.Run("open during session and cached for the day", func(t *testing.T) {
		calls = 0
		frozen := clock.NewFrozen(time.Date(2026, 8, 25, 10, 0, 0, 0, loc))
		client := newTestSchwab(t, handler).WithClock(frozen)

		open, err := client.MarketOpen(context.Background())
		require.NoError(t, err)
		assert.True(t, open)

		frozen.Advance(time.Minute)
		open, err = client.MarketOpen(context.Background())
		require.NoError(t, err)
		assert.True(t, open)
		assert.Equal(t, 1, calls, "market hours should be fetched once per day")
	})

	t.Run("closed after session end", func(t *testing.T) {
		// 13:05 PT is outside the default window.
		client := newTestSchwab(t, handler).
			WithClock(clock.NewFrozen(time.Date(2026, 8, 25, 13, 5, 0, 0, loc)))
		open, err := client.MarketOpen(context.Background())
		require.NoError(t, err)
		assert.False(t, open)
	})
}

func TestSchwabSellSweepETFsForCash(t *testing.T) {
	var soldSymbol string
	var soldQty int64

	client := newTestSchwab(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"BIL":{"quote":{"lastPrice":91.50}}}`))
		case r.Method == http.MethodPost:
			var order schwabOrder
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &order))
			soldSymbol = order.OrderLegCollection[0].Instrument.Symbol
			soldQty = order.OrderLegCollection[0].Quantity
			w.WriteHeader(http.StatusCreated)
		}
	}))

	positions := map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(10),
		"BIL":  decimal.NewFromInt(100),
	}

	t.Run("sells ceil of shortfall over price", func(t *testing.T) {
		order, err := client.SellSweepETFsForCash(context.Background(), "ABCDEF",
			decimal.RequireFromString("750"), positions)
		require.NoError(t, err)
		require.True(t, order.IsSuccess())
		assert.Equal(t, "BIL", soldSymbol)
		// ceil(750 / 91.50) = 9
		assert.Equal(t, int64(9), soldQty)
	})

	t.Run("clips to held quantity", func(t *testing.T) {
		small := map[string]decimal.Decimal{"BIL": decimal.NewFromInt(3)}
		order, err := client.SellSweepETFsForCash(context.Background(), "ABCDEF",
			decimal.RequireFromString("750"), small)
		require.NoError(t, err)
		require.True(t, order.IsSuccess())
		assert.Equal(t, int64(3), soldQty)
	})

	t.Run("nothing held returns nil order", func(t *testing.T) {
		order, err := client.SellSweepETFsForCash(context.Background(), "ABCDEF",
			decimal.RequireFromString("750"), map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(5)})
		require.NoError(t, err)
		assert.Nil(t, order)
	})
}

func TestSweepQuantity(t *testing.T) {
	d := decimal.RequireFromString
	assert.Equal(t, int64(9), sweepQuantity(d("100"), d("750"), d("91.50")))
	assert.Equal(t, int64(3), sweepQuantity(d("3"), d("750"), d("91.50")))
	assert.Equal(t, int64(1), sweepQuantity(d("10"), d("0.01"), d("91.50")))
	assert.Equal(t, int64(0), sweepQuantity(d("10"), d("750"), d("0")))
}
