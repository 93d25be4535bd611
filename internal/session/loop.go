package session

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/alert"
	"github.com/ykimdev/ruletrader/internal/broker"
	"github.com/ykimdev/ruletrader/internal/calc"
	"github.com/ykimdev/ruletrader/internal/guard"
	"github.com/ykimdev/ruletrader/internal/models"
)

// A session survives transient market-hours failures; this many in a
// row means the broker is gone and the session aborts.
const marketHoursFailureLimit = 5

// pollLoop evaluates rules once per pass while the market is open.
// Context cancellation (OS signal) stops cleanly at a pass boundary.
func (r *Runner) pollLoop(ctx context.Context) error {
	b := r.anyBroker()
	hoursFailures := 0
	for {
		if ctx.Err() != nil {
			r.logger.Printf("stop requested, ending session")
			return nil
		}

		open, err := b.MarketOpen(ctx)
		if err != nil {
			hoursFailures++
			if hoursFailures >= marketHoursFailureLimit {
				return fmt.Errorf("market hours check failed %d times in a row: %w", hoursFailures, err)
			}
			r.logger.Printf("market hours check failed: %v, retrying next pass", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.poll):
			}
			continue
		}
		hoursFailures = 0
		if !open {
			r.logger.Printf("market closed, ending session")
			return nil
		}

		if err := r.rearmPeriodicRules(ctx); err != nil {
			r.logger.Printf("periodic rule update failed: %v", err)
		}

		rules, err := r.store.GetActiveRules(ctx)
		if err != nil {
			r.logger.Printf("load active rules failed: %v", err)
		} else {
			for i := range rules {
				if err := r.evaluateRule(ctx, &rules[i]); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.poll):
		}
	}
}

// rearmPeriodicRules flips PROCESSED weekly/monthly rules back to
// ACTIVE when today is their scheduled date in market-local time.
func (r *Runner) rearmPeriodicRules(ctx context.Context) error {
	rules, err := r.store.GetPeriodicRules(ctx)
	if err != nil {
		return err
	}
	now := r.clk.Now().In(r.market.Location())
	for i := range rules {
		rule := &rules[i]
		if rule.Status != models.StatusProcessed || !rule.Limit.MatchesDate(now) {
			continue
		}
		if err := r.store.UpdateRuleStatus(ctx, rule.ID, models.StatusActive); err != nil {
			return err
		}
		r.logger.Printf("periodic rule %d (%s) re-armed", rule.ID, rule.Symbol)
	}
	return nil
}

// evaluateRule quotes the symbol and runs the matching trade flow.
// Quote failures skip the rule for this pass; only hard-block guard
// failures propagate.
func (r *Runner) evaluateRule(ctx context.Context, rule *models.Rule) error {
	b, ok := r.brokers[rule.UserID]
	if !ok {
		r.logger.Printf("rule %d: no broker for user %s, skipping", rule.ID, rule.UserID)
		return nil
	}
	if !r.hasAccount(rule.HashValue) {
		r.logger.Printf("ERROR: rule %d references unknown account hash %s, skipping", rule.ID, rule.HashValue)
		return nil
	}

	price, err := b.GetLastPrice(ctx, rule.Symbol)
	if err != nil {
		r.logger.Printf("quote failed for %s: %v, skipping this pass", rule.Symbol, err)
		return nil
	}
	if !price.IsPositive() {
		r.logger.Printf("quote for %s is %s, skipping this pass", rule.Symbol, price)
		return nil
	}

	now := r.clk.Now().In(r.market.Location())
	switch {
	case rule.BuyTriggered(price, now):
		return r.executeBuy(ctx, b, rule, price, now)
	case rule.SellTriggered(price):
		return r.executeSell(ctx, b, rule, price, now)
	}
	return nil
}

// guardFailed applies the configured guard-failure policy: skip the
// rule, or abort the session when hard blocking is on.
func (r *Runner) guardFailed(rule *models.Rule, err error) error {
	if !r.hardBlock {
		r.logger.Printf("CRITICAL: order blocked for %s (rule %d): %v", rule.Symbol, rule.ID, err)
		return nil
	}
	r.logger.Printf("FATAL: order blocked for %s (rule %d): %v", rule.Symbol, rule.ID, err)
	msg := fmt.Sprintf("BOT STOPPED (Order Blocked): %v", err)
	if sendErr := r.alerter.Send(alert.DefaultSubject, msg); sendErr != nil {
		r.logger.Printf("failed to send guard alert: %v", sendErr)
	}
	return err
}

func (r *Runner) executeBuy(ctx context.Context, b broker.Broker, rule *models.Rule, price decimal.Decimal, now time.Time) error {
	hash := rule.HashValue
	// The plain cache is always symbol-keyed; only the detailed maps
	// use the KR stock-name key.
	key := rule.Symbol

	cash, err := b.GetCash(ctx, hash)
	if err != nil {
		r.logger.Printf("cash query failed for %s: %v, skipping", rule.Symbol, err)
		return nil
	}
	todayUsed, err := r.store.GetTradeToday(ctx, rule.ID, now)
	if err != nil {
		r.logger.Printf("today's usage query failed for rule %d: %v, skipping", rule.ID, err)
		return nil
	}

	holdingBefore := r.cachedQty(hash, key)
	holding := holdingBefore.IntPart()

	decision := calc.BuyQuantity(rule.TargetAmount, holding, rule.DailyMoney, todayUsed, price, cash, rule.CashOnly)

	// One sweep re-entry per pass: liquidate sweep ETFs for the
	// shortfall, re-query cash, and recalculate once.
	if decision.Reason == calc.ReasonNeedCash {
		r.logger.Printf("rule %d (%s) needs %s more cash, trying sweep ETFs",
			rule.ID, rule.Symbol, decision.Shortfall)
		if _, err := b.SellSweepETFsForCash(ctx, hash, decision.Shortfall, r.positionsCopy(hash)); err != nil {
			r.logger.Printf("sweep liquidation failed for %s: %v, skipping", rule.Symbol, err)
			return nil
		}
		if cash, err = b.GetCash(ctx, hash); err != nil {
			r.logger.Printf("cash re-query failed for %s: %v, skipping", rule.Symbol, err)
			return nil
		}
		decision = calc.BuyQuantity(rule.TargetAmount, holding, rule.DailyMoney, todayUsed, price, cash, rule.CashOnly)
		if decision.Reason == calc.ReasonNeedCash {
			r.logger.Printf("rule %d (%s) still short %s after sweep, skipping",
				rule.ID, rule.Symbol, decision.Shortfall)
			return nil
		}
	}

	if decision.Quantity <= 0 {
		if decision.Reason != calc.ReasonTargetReached {
			r.logger.Printf("no buy for %s (rule %d): %s", rule.Symbol, rule.ID, decision.Reason)
		}
		return nil
	}

	if err := guard.ValidateBuy(r.market, rule.Symbol, price, decision.Quantity, cash); err != nil {
		return r.guardFailed(rule, err)
	}

	order, err := b.PlaceLimitBuy(ctx, hash, rule.Symbol, decision.Quantity, price)
	if err != nil {
		r.logger.Printf("buy order failed for %s: %v", rule.Symbol, err)
		return nil
	}
	if !order.IsSuccess() {
		r.logger.Printf("buy order rejected for %s", rule.Symbol)
		return nil
	}

	r.logger.Printf("BUY %d %s @ %s (rule %d, order %s)",
		decision.Quantity, rule.Symbol, price, rule.ID, order.OrderID())
	r.addQty(hash, key, decimal.NewFromInt(decision.Quantity))

	rec := models.NewTradeRecord(rule.AccountID, rule.ID, order.OrderID(), rule.Symbol,
		decision.Quantity, price, models.ActionBuy, r.clk.Now())
	if err := r.store.RecordTrade(ctx, rec); err != nil {
		r.logger.Printf("failed to record trade for rule %d: %v", rule.ID, err)
	}
	if err := r.alerter.Send(alert.DefaultSubject,
		alert.BuyOrderMessage(rule, decision.Quantity, price, holdingBefore, now)); err != nil {
		r.logger.Printf("failed to send buy alert: %v", err)
	}

	if holding+decision.Quantity >= rule.TargetAmount {
		next := models.StatusCompleted
		if rule.Limit.IsPeriodic() {
			next = models.StatusProcessed
		}
		if err := r.store.UpdateRuleStatus(ctx, rule.ID, next); err != nil {
			r.logger.Printf("failed to update rule %d status: %v", rule.ID, err)
		} else {
			r.logger.Printf("rule %d (%s) reached target, status -> %s", rule.ID, rule.Symbol, next)
		}
	}
	return nil
}

func (r *Runner) executeSell(ctx context.Context, b broker.Broker, rule *models.Rule, price decimal.Decimal, now time.Time) error {
	hash := rule.HashValue
	key := rule.Symbol

	todayUsed, err := r.store.GetTradeToday(ctx, rule.ID, now)
	if err != nil {
		r.logger.Printf("today's usage query failed for rule %d: %v, skipping", rule.ID, err)
		return nil
	}

	holdingBefore := r.cachedQty(hash, key)
	holding := holdingBefore.IntPart()

	decision := calc.SellQuantity(rule.TargetAmount, holding, rule.DailyMoney, todayUsed, price)
	if decision.Quantity <= 0 {
		if decision.Reason != calc.ReasonNoSurplus {
			r.logger.Printf("no sell for %s (rule %d): %s", rule.Symbol, rule.ID, decision.Reason)
		}
		return nil
	}

	if err := guard.ValidateSell(r.market, rule.Symbol, price, decision.Quantity, &holding); err != nil {
		return r.guardFailed(rule, err)
	}

	order, err := b.PlaceLimitSell(ctx, hash, rule.Symbol, decision.Quantity, price)
	if err != nil {
		r.logger.Printf("sell order failed for %s: %v", rule.Symbol, err)
		return nil
	}
	if !order.IsSuccess() {
		r.logger.Printf("sell order rejected for %s", rule.Symbol)
		return nil
	}

	r.logger.Printf("SELL %d %s @ %s (rule %d, order %s)",
		decision.Quantity, rule.Symbol, price, rule.ID, order.OrderID())
	r.addQty(hash, key, decimal.NewFromInt(decision.Quantity).Neg())

	rec := models.NewTradeRecord(rule.AccountID, rule.ID, order.OrderID(), rule.Symbol,
		decision.Quantity, price, models.ActionSell, r.clk.Now())
	if err := r.store.RecordTrade(ctx, rec); err != nil {
		r.logger.Printf("failed to record trade for rule %d: %v", rule.ID, err)
	}
	if err := r.alerter.Send(alert.DefaultSubject,
		alert.SellOrderMessage(rule, decision.Quantity, price, holdingBefore, now)); err != nil {
		r.logger.Printf("failed to send sell alert: %v", err)
	}

	if holding-decision.Quantity <= rule.TargetAmount {
		if err := r.store.UpdateRuleStatus(ctx, rule.ID, models.StatusCompleted); err != nil {
			r.logger.Printf("failed to update rule %d status: %v", rule.ID, err)
		} else {
			r.logger.Printf("rule %d (%s) unwound to target, status -> %s",
				rule.ID, rule.Symbol, models.StatusCompleted)
		}
	}
	return nil
}
