// Package store persists accounts, trading rules, trade history, and
// daily snapshots. The SQLite implementation is the only backend; the
// interface exists so the session runner can be tested against a fake.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/models"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("trading rule not found")

// SplitAdjustment carries the reconciler's corrections for one rule.
type SplitAdjustment struct {
	RuleID       int64
	AveragePrice decimal.Decimal
	HighPrice    decimal.Decimal
	TargetAmount int64
	Holding      decimal.Decimal
}

// Store is the persistence surface the session runner drives.
//
// Implementations must be safe for concurrent use; the runner issues
// reads from per-user goroutines during pre-flight.
type Store interface {
	// Users and accounts.
	GetUsers(ctx context.Context) ([]string, error)
	GetUserAccounts(ctx context.Context, userID string) ([]models.Account, error)
	GetHashValues(ctx context.Context, userID string) ([]string, error)
	UpdateAccountHash(ctx context.Context, accountNumber, hashValue string) error
	UpdateAccountCashBalance(ctx context.Context, accountID string, cash decimal.Decimal) error
	UpdateAccountTotalValue(ctx context.Context, accountID string, total decimal.Decimal) error

	// Trading rules.
	GetActiveRules(ctx context.Context) ([]models.Rule, error)
	GetAllRules(ctx context.Context) ([]models.Rule, error)
	GetPeriodicRules(ctx context.Context) ([]models.Rule, error)
	UpdateRuleStatus(ctx context.Context, ruleID int64, status models.RuleStatus) error
	UpdateCurrentPriceQuantity(ctx context.Context, ruleID int64, lastPrice, holding, averagePrice, highPrice decimal.Decimal) error
	UpdateSplitAdjustment(ctx context.Context, adj SplitAdjustment) error

	// Trade history and snapshots.
	GetTradeToday(ctx context.Context, ruleID int64, day time.Time) (decimal.Decimal, error)
	RecordTrade(ctx context.Context, rec models.TradeRecord) error
	AddDailyResult(ctx context.Context, date string, accountID string, cash, total decimal.Decimal, holdings map[string]models.PositionDetail) error

	Close() error
}
