package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/ykimdev/ruletrader/internal/models"
)

// CircuitBreakerBroker wraps a Broker so a misbehaving brokerage API
// trips open instead of burning every pass on doomed calls.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, logger *log.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is the generic helper for wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) GetHashes(ctx context.Context) (map[string]string, error) {
	return execBreaker(c.breaker, func() (map[string]string, error) { return c.broker.GetHashes(ctx) })
}

func (c *CircuitBreakerBroker) MarketOpen(ctx context.Context) (bool, error) {
	return execBreaker(c.breaker, func() (bool, error) { return c.broker.MarketOpen(ctx) })
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, hash string) (map[string]decimal.Decimal, error) {
	return execBreaker(c.breaker, func() (map[string]decimal.Decimal, error) { return c.broker.GetPositions(ctx, hash) })
}

func (c *CircuitBreakerBroker) GetPositionsDetail(ctx context.Context, hash string) (map[string]models.PositionDetail, error) {
	return execBreaker(c.breaker, func() (map[string]models.PositionDetail, error) {
		return c.broker.GetPositionsDetail(ctx, hash)
	})
}

func (c *CircuitBreakerBroker) GetCash(ctx context.Context, hash string) (decimal.Decimal, error) {
	return execBreaker(c.breaker, func() (decimal.Decimal, error) { return c.broker.GetCash(ctx, hash) })
}

func (c *CircuitBreakerBroker) GetAccountResult(ctx context.Context, hash string) (decimal.Decimal, decimal.Decimal, error) {
	type result struct {
		cash  decimal.Decimal
		total decimal.Decimal
	}
	res, err := execBreaker(c.breaker, func() (result, error) {
		cash, total, err := c.broker.GetAccountResult(ctx, hash)
		return result{cash, total}, err
	})
	return res.cash, res.total, err
}

func (c *CircuitBreakerBroker) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return execBreaker(c.breaker, func() (decimal.Decimal, error) { return c.broker.GetLastPrice(ctx, symbol) })
}

func (c *CircuitBreakerBroker) PlaceLimitBuy(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	return execBreaker(c.breaker, func() (*Order, error) { return c.broker.PlaceLimitBuy(ctx, hash, symbol, qty, price) })
}

func (c *CircuitBreakerBroker) PlaceLimitSell(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	return execBreaker(c.breaker, func() (*Order, error) { return c.broker.PlaceLimitSell(ctx, hash, symbol, qty, price) })
}

func (c *CircuitBreakerBroker) PlaceMarketSell(ctx context.Context, hash, symbol string, qty int64) (*Order, error) {
	return execBreaker(c.breaker, func() (*Order, error) { return c.broker.PlaceMarketSell(ctx, hash, symbol, qty) })
}

func (c *CircuitBreakerBroker) SellSweepETFsForCash(ctx context.Context, hash string, shortfall decimal.Decimal, positions map[string]decimal.Decimal) (*Order, error) {
	return execBreaker(c.breaker, func() (*Order, error) {
		return c.broker.SellSweepETFsForCash(ctx, hash, shortfall, positions)
	})
}
