package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykimdev/ruletrader/internal/models"
)

// flakyBroker fails every call until healed.
type flakyBroker struct {
	stubBroker
	healthy bool
	calls   int
}

func (f *flakyBroker) GetCash(ctx context.Context, hash string) (decimal.Decimal, error) {
	f.calls++
	if !f.healthy {
		return decimal.Zero, errors.New("503 service unavailable")
	}
	return decimal.NewFromInt(1000), nil
}

// stubBroker satisfies Broker with zero values so tests only override
// what they exercise.
type stubBroker struct{}

func (stubBroker) GetHashes(context.Context) (map[string]string, error) { return nil, nil }
func (stubBroker) MarketOpen(context.Context) (bool, error)             { return false, nil }
func (stubBroker) GetPositions(context.Context, string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (stubBroker) GetPositionsDetail(context.Context, string) (map[string]models.PositionDetail, error) {
	return nil, nil
}
func (stubBroker) GetCash(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (stubBroker) GetAccountResult(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}
func (stubBroker) GetLastPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (stubBroker) PlaceLimitBuy(context.Context, string, string, int64, decimal.Decimal) (*Order, error) {
	return &Order{Success: true}, nil
}
func (stubBroker) PlaceLimitSell(context.Context, string, string, int64, decimal.Decimal) (*Order, error) {
	return &Order{Success: true}, nil
}
func (stubBroker) PlaceMarketSell(context.Context, string, string, int64) (*Order, error) {
	return &Order{Success: true}, nil
}
func (stubBroker) SellSweepETFsForCash(context.Context, string, decimal.Decimal, map[string]decimal.Decimal) (*Order, error) {
	return nil, nil
}

var _ Broker = (*stubBroker)(nil)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	flaky := &flakyBroker{healthy: true}
	cb := NewCircuitBreakerBroker(flaky, discardLogger())

	cash, err := cb.GetCash(context.Background(), "hash")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(cash))

	order, err := cb.PlaceLimitBuy(context.Background(), "hash", "AAPL", 1, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, order.IsSuccess())
}

func TestCircuitBreakerTripsOpen(t *testing.T) {
	flaky := &flakyBroker{healthy: false}
	cb := NewCircuitBreakerBrokerWithSettings(flaky, discardLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 5; i++ {
		_, _ = cb.GetCash(context.Background(), "hash")
	}

	before := flaky.calls
	_, err := cb.GetCash(context.Background(), "hash")
	require.Error(t, err)
	assert.Equal(t, before, flaky.calls, "open breaker must not reach the broker")
}
