package recorder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/broker"
	"github.com/ykimdev/ruletrader/internal/models"
)

// RecordingBroker decorates a Broker so every call leaves a JSONL
// trace. Results and errors pass through untouched.
type RecordingBroker struct {
	broker   broker.Broker
	recorder *AsyncRecorder
}

var _ broker.Broker = (*RecordingBroker)(nil)

// WrapBroker shadows b's calls into rec.
func WrapBroker(b broker.Broker, rec *AsyncRecorder) *RecordingBroker {
	return &RecordingBroker{broker: b, recorder: rec}
}

// orderSummary keeps the JSONL readable: the raw Order is tiny but an
// explicit shape survives struct changes.
func orderSummary(o *broker.Order) any {
	if o == nil {
		return nil
	}
	return map[string]any{"is_success": o.Success, "order_id": o.ID}
}

func (r *RecordingBroker) record(method string, args []any, result any, err error, start time.Time) {
	r.recorder.Record(method, args, result, err, time.Since(start))
}

func (r *RecordingBroker) GetHashes(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	hashes, err := r.broker.GetHashes(ctx)
	r.record("get_hashs", nil, hashes, err, start)
	return hashes, err
}

func (r *RecordingBroker) MarketOpen(ctx context.Context) (bool, error) {
	start := time.Now()
	open, err := r.broker.MarketOpen(ctx)
	r.record("get_market_hours", nil, open, err, start)
	return open, err
}

func (r *RecordingBroker) GetPositions(ctx context.Context, hash string) (map[string]decimal.Decimal, error) {
	start := time.Now()
	positions, err := r.broker.GetPositions(ctx, hash)
	r.record("get_positions", []any{hash}, positions, err, start)
	return positions, err
}

func (r *RecordingBroker) GetPositionsDetail(ctx context.Context, hash string) (map[string]models.PositionDetail, error) {
	start := time.Now()
	positions, err := r.broker.GetPositionsDetail(ctx, hash)
	r.record("get_positions_result", []any{hash}, positions, err, start)
	return positions, err
}

func (r *RecordingBroker) GetCash(ctx context.Context, hash string) (decimal.Decimal, error) {
	start := time.Now()
	cash, err := r.broker.GetCash(ctx, hash)
	r.record("get_cash", []any{hash}, cash, err, start)
	return cash, err
}

func (r *RecordingBroker) GetAccountResult(ctx context.Context, hash string) (decimal.Decimal, decimal.Decimal, error) {
	start := time.Now()
	cash, total, err := r.broker.GetAccountResult(ctx, hash)
	r.record("get_account_result", []any{hash}, []any{cash, total}, err, start)
	return cash, total, err
}

func (r *RecordingBroker) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	start := time.Now()
	price, err := r.broker.GetLastPrice(ctx, symbol)
	r.record("get_last_price", []any{symbol}, price, err, start)
	return price, err
}

func (r *RecordingBroker) PlaceLimitBuy(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*broker.Order, error) {
	start := time.Now()
	order, err := r.broker.PlaceLimitBuy(ctx, hash, symbol, qty, price)
	r.record("place_limit_buy_order", []any{hash, symbol, qty, price}, orderSummary(order), err, start)
	return order, err
}

func (r *RecordingBroker) PlaceLimitSell(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*broker.Order, error) {
	start := time.Now()
	order, err := r.broker.PlaceLimitSell(ctx, hash, symbol, qty, price)
	r.record("place_limit_sell_order", []any{hash, symbol, qty, price}, orderSummary(order), err, start)
	return order, err
}

func (r *RecordingBroker) PlaceMarketSell(ctx context.Context, hash, symbol string, qty int64) (*broker.Order, error) {
	start := time.Now()
	order, err := r.broker.PlaceMarketSell(ctx, hash, symbol, qty)
	r.record("place_market_sell_order", []any{hash, symbol, qty}, orderSummary(order), err, start)
	return order, err
}

func (r *RecordingBroker) SellSweepETFsForCash(ctx context.Context, hash string, shortfall decimal.Decimal, positions map[string]decimal.Decimal) (*broker.Order, error) {
	start := time.Now()
	order, err := r.broker.SellSweepETFsForCash(ctx, hash, shortfall, positions)
	r.record("sell_etf_for_cash", []any{hash, shortfall}, orderSummary(order), err, start)
	return order, err
}
