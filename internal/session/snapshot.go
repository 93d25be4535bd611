package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ykimdev/ruletrader/internal/broker"
	"github.com/ykimdev/ruletrader/internal/models"
)

// snapshot records the end-of-day state: per-account daily rows and a
// refresh of every rule's observed fields. Per-account failures are
// logged and skipped so one bad account cannot lose the others' rows.
func (r *Runner) snapshot(ctx context.Context) error {
	date := r.clk.Now().In(r.market.Location()).Format("2006-01-02")
	r.logger.Printf("writing end-of-day snapshot for %s", date)

	detail := make(map[string]map[string]models.PositionDetail)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, user := range r.users {
		user := user
		b := r.brokers[user]
		g.Go(func() error {
			hashes, err := r.store.GetHashValues(gctx, user)
			if err != nil {
				return fmt.Errorf("load hash values for %s: %w", user, err)
			}
			userDetail, err := r.fetchDetailPositions(gctx, b, hashes)
			if err != nil {
				return fmt.Errorf("refetch positions for %s: %w", user, err)
			}
			mu.Lock()
			for hash, positions := range userDetail {
				detail[hash] = positions
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, user := range r.users {
		if err := r.snapshotUser(ctx, user, date, detail); err != nil {
			return err
		}
	}
	return r.refreshRules(ctx, detail)
}

func (r *Runner) snapshotUser(ctx context.Context, user, date string, detail map[string]map[string]models.PositionDetail) error {
	b := r.brokers[user]

	accounts, err := r.store.GetUserAccounts(ctx, user)
	if err != nil {
		return fmt.Errorf("load accounts for %s: %w", user, err)
	}

	for _, acct := range accounts {
		if acct.HashValue == "" {
			continue
		}
		cash, total, err := b.GetAccountResult(ctx, acct.HashValue)
		if err != nil {
			r.logger.Printf("account result failed for %s: %v, skipping snapshot", acct.ID, err)
			continue
		}

		holdings := detail[acct.HashValue]
		if err := r.store.AddDailyResult(ctx, date, acct.ID, cash, total, holdings); err != nil {
			r.logger.Printf("daily snapshot failed for %s: %v", acct.ID, err)
			continue
		}

		// US cash is overstated as "cash + sweep ETF value" because the
		// sweep helper can liquidate them on demand. KR has no sweep.
		effectiveCash := cash
		if r.market == models.MarketUS {
			effectiveCash = cash.Add(sweepValue(holdings))
		}
		if err := r.store.UpdateAccountCashBalance(ctx, acct.ID, effectiveCash); err != nil {
			r.logger.Printf("cash balance update failed for %s: %v", acct.ID, err)
		}
		if err := r.store.UpdateAccountTotalValue(ctx, acct.ID, total); err != nil {
			r.logger.Printf("total value update failed for %s: %v", acct.ID, err)
		}
		r.logger.Printf("snapshot %s: cash=%s total=%s holdings=%d",
			acct.ID, cash, total, len(holdings))
	}
	return nil
}

func sweepValue(holdings map[string]models.PositionDetail) decimal.Decimal {
	value := decimal.Zero
	for _, symbol := range broker.SweepETFs {
		if pos, ok := holdings[symbol]; ok {
			value = value.Add(pos.MarketValue())
		}
	}
	return value
}

// refreshRules updates every rule's observed fields from the final
// broker view. The historical high only moves when a cost basis
// exists; an empty rule has no high to track yet.
func (r *Runner) refreshRules(ctx context.Context, detail map[string]map[string]models.PositionDetail) error {
	rules, err := r.store.GetAllRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules for refresh: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		pos := detail[rule.HashValue][rule.PositionKey()]

		high := rule.HighPrice
		if pos.AveragePrice.IsPositive() && pos.LastPrice.GreaterThan(high) {
			high = pos.LastPrice
		}

		if err := r.store.UpdateCurrentPriceQuantity(ctx, rule.ID,
			pos.LastPrice, pos.Quantity, pos.AveragePrice, high); err != nil {
			r.logger.Printf("rule %d refresh failed: %v", rule.ID, err)
		}
	}
	return nil
}
