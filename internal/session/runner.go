// Package session orchestrates one trading day: bootstrap, pre-flight
// integrity checks, the rule poll loop, and the end-of-day snapshot.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ykimdev/ruletrader/internal/alert"
	"github.com/ykimdev/ruletrader/internal/broker"
	"github.com/ykimdev/ruletrader/internal/clock"
	"github.com/ykimdev/ruletrader/internal/guard"
	"github.com/ykimdev/ruletrader/internal/models"
	"github.com/ykimdev/ruletrader/internal/reconcile"
	"github.com/ykimdev/ruletrader/internal/retry"
	"github.com/ykimdev/ruletrader/internal/store"
)

// BrokerFactory returns the broker adapter for one user. A deployment
// with shared credentials may return the same adapter for every user.
type BrokerFactory func(userID string) (broker.Broker, error)

// Params carries the runner's collaborators. Zero-value optional
// fields fall back to defaults.
type Params struct {
	Market  models.Market
	Store   store.Store
	Brokers BrokerFactory
	Alerter alert.Alerter // optional, default Nop
	Logger  *log.Logger
	Clock   clock.Clock   // optional, default Real
	Retry   retry.Config  // optional, default retry.DefaultConfig
	Poll    time.Duration // optional, default 1s
	// HardBlock turns per-order guard failures into session-fatal
	// errors instead of skip-and-continue.
	HardBlock bool
}

// Runner drives a single market session from bootstrap to snapshot.
type Runner struct {
	market     models.Market
	store      store.Store
	factory    BrokerFactory
	alerter    alert.Alerter
	logger     *log.Logger
	clk        clock.Clock
	retryCfg   retry.Config
	poll       time.Duration
	hardBlock  bool
	reconciler *reconcile.Reconciler

	// Built at bootstrap, read-only afterwards.
	users   []string
	brokers map[string]broker.Broker

	// Session position cache: account-hash -> symbol -> qty.
	// Single writer per pass, but EOD fan-out reads concurrently.
	mu        sync.Mutex
	positions map[string]map[string]decimal.Decimal
}

// New builds a Runner. Run must be called exactly once.
func New(p Params) *Runner {
	if p.Alerter == nil {
		p.Alerter = alert.Nop{}
	}
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Retry == (retry.Config{}) {
		p.Retry = retry.DefaultConfig
	}
	if p.Poll <= 0 {
		p.Poll = time.Second
	}
	return &Runner{
		market:     p.Market,
		store:      p.Store,
		factory:    p.Brokers,
		alerter:    p.Alerter,
		logger:     p.Logger,
		clk:        p.Clock,
		retryCfg:   p.Retry,
		poll:       p.Poll,
		hardBlock:  p.HardBlock,
		reconciler: reconcile.New(p.Logger),
		brokers:    make(map[string]broker.Broker),
		positions:  make(map[string]map[string]decimal.Decimal),
	}
}

// Run executes the full session lifecycle. It returns nil on a clean
// market-close (or signal) shutdown and an error on fatal conditions;
// integrity failures have already been alerted when Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.bootstrap(ctx); err != nil {
		return err
	}
	if err := r.preflight(ctx); err != nil {
		return err
	}
	if err := r.pollLoop(ctx); err != nil {
		return err
	}
	return r.snapshot(ctx)
}

// bootstrap loads the user list, builds one broker adapter per user,
// and writes refreshed account hashes back to the store.
func (r *Runner) bootstrap(ctx context.Context) error {
	users, err := r.store.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	if len(users) == 0 {
		return fmt.Errorf("no users configured")
	}
	r.users = users

	for _, user := range users {
		b, err := r.factory(user)
		if err != nil {
			return fmt.Errorf("build broker for %s: %w", user, err)
		}
		r.brokers[user] = b

		hashes, err := b.GetHashes(ctx)
		if err != nil {
			return fmt.Errorf("fetch account hashes for %s: %w", user, err)
		}
		for number, hash := range hashes {
			if err := r.store.UpdateAccountHash(ctx, number, hash); err != nil {
				return fmt.Errorf("store account hash for %s: %w", number, err)
			}
		}
	}
	r.logger.Printf("bootstrap complete: %d user(s)", len(users))
	return nil
}

// preflight verifies DB-vs-broker state integrity per user, applies
// split/merge corrections, and warms the plain position cache.
// Any integrity issue is fatal: an alert goes out and the session
// never trades.
func (r *Runner) preflight(ctx context.Context) error {
	activeRules, err := r.store.GetActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}

	for _, user := range r.users {
		b := r.brokers[user]

		hashes, err := r.store.GetHashValues(ctx, user)
		if err != nil {
			return fmt.Errorf("load hash values for %s: %w", user, err)
		}

		detail, err := r.fetchDetailPositions(ctx, b, hashes)
		if err != nil {
			return fmt.Errorf("fetch positions for %s: %w", user, err)
		}

		userRules := rulesOfUser(activeRules, user)

		if issues := guard.CheckIntegrity(userRules, detail); len(issues) > 0 {
			err := guard.IntegrityError(issues)
			r.logger.Printf("FATAL: %v", err)
			if sendErr := r.alerter.Send(alert.DefaultSubject, alert.IntegrityStopMessage(err)); sendErr != nil {
				r.logger.Printf("failed to send integrity alert: %v", sendErr)
			}
			return err
		}

		for _, adj := range r.reconciler.Plan(userRules, detail) {
			if err := r.store.UpdateSplitAdjustment(ctx, store.SplitAdjustment{
				RuleID:       adj.RuleID,
				AveragePrice: adj.AveragePrice,
				HighPrice:    adj.HighPrice,
				TargetAmount: adj.TargetAmount,
				Holding:      adj.Holding,
			}); err != nil {
				return fmt.Errorf("apply split adjustment for rule %d: %w", adj.RuleID, err)
			}
		}

		for _, hash := range hashes {
			positions, err := retry.Do(ctx, r.retryCfg, r.logger,
				fmt.Sprintf("position fetch %s", hash),
				func(ctx context.Context) (map[string]decimal.Decimal, error) {
					return b.GetPositions(ctx, hash)
				})
			if err != nil {
				return fmt.Errorf("warm position cache for %s: %w", hash, err)
			}
			r.setPositions(hash, positions)
		}
	}
	r.logger.Printf("pre-flight complete: integrity verified")
	return nil
}

// fetchDetailPositions fans out one detailed-position fetch per
// account hash; cache assembly is serialized under the runner mutex.
func (r *Runner) fetchDetailPositions(ctx context.Context, b broker.Broker, hashes []string) (map[string]map[string]models.PositionDetail, error) {
	detail := make(map[string]map[string]models.PositionDetail, len(hashes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			positions, err := b.GetPositionsDetail(gctx, hash)
			if err != nil {
				return err
			}
			mu.Lock()
			detail[hash] = positions
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detail, nil
}

func rulesOfUser(rules []models.Rule, userID string) []models.Rule {
	var out []models.Rule
	for _, rule := range rules {
		if rule.UserID == userID {
			out = append(out, rule)
		}
	}
	return out
}

// anyBroker returns a representative adapter for market-wide calls.
func (r *Runner) anyBroker() broker.Broker {
	for _, user := range r.users {
		if b, ok := r.brokers[user]; ok {
			return b
		}
	}
	return nil
}

func (r *Runner) setPositions(hash string, positions map[string]decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if positions == nil {
		positions = make(map[string]decimal.Decimal)
	}
	r.positions[hash] = positions
}

// hasAccount reports whether the position cache knows the hash. A rule
// referencing an unknown hash is a data anomaly, not tradeable.
func (r *Runner) hasAccount(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.positions[hash]
	return ok
}

func (r *Runner) cachedQty(hash, key string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[hash][key]
}

// addQty shifts the cached quantity after a fill so later triggers in
// the same pass see the new holding.
func (r *Runner) addQty(hash, key string, delta decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct := r.positions[hash]
	if acct == nil {
		acct = make(map[string]decimal.Decimal)
		r.positions[hash] = acct
	}
	acct[key] = acct[key].Add(delta)
}

// positionsCopy snapshots one account's plain positions for handing to
// the sweep helper.
func (r *Runner) positionsCopy(hash string) map[string]decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(r.positions[hash]))
	for k, v := range r.positions[hash] {
		out[k] = v
	}
	return out
}
