package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ykimdev/ruletrader/internal/models"
)

// statementTimeout bounds every store call.
const statementTimeout = 10 * time.Second

// SQLiteStore implements Store on a single SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string) (*SQLiteStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		account_number TEXT NOT NULL UNIQUE,
		hash_value     TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		account_type   TEXT NOT NULL DEFAULT '',
		cash_balance   TEXT NOT NULL DEFAULT '0',
		total_value    TEXT NOT NULL DEFAULT '0'
	);
	CREATE TABLE IF NOT EXISTS trading_rules (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		symbol          TEXT NOT NULL,
		stock_name      TEXT NOT NULL DEFAULT '',
		trade_action    TEXT NOT NULL,
		limit_type      TEXT NOT NULL,
		limit_value     TEXT NOT NULL,
		target_amount   INTEGER NOT NULL,
		daily_money     TEXT NOT NULL,
		cash_only       INTEGER NOT NULL DEFAULT 1,
		status          TEXT NOT NULL DEFAULT 'ACTIVE',
		current_holding TEXT NOT NULL DEFAULT '0',
		average_price   TEXT NOT NULL DEFAULT '0',
		last_price      TEXT NOT NULL DEFAULT '0',
		high_price      TEXT NOT NULL DEFAULT '0',
		created_at      TEXT NOT NULL DEFAULT (datetime('now')),
		last_updated    TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE TABLE IF NOT EXISTS trade_history (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      TEXT NOT NULL,
		trading_rule_id INTEGER NOT NULL,
		order_id        TEXT NOT NULL DEFAULT '',
		symbol          TEXT NOT NULL,
		quantity        INTEGER NOT NULL,
		price           TEXT NOT NULL,
		trade_type      TEXT NOT NULL,
		used_money      TEXT NOT NULL,
		trade_date      TEXT NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_trade_history_rule_date
		ON trade_history(trading_rule_id, trade_date);
	CREATE TABLE IF NOT EXISTS daily_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		record_date TEXT NOT NULL,
		account_id  TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		amount      TEXT NOT NULL,
		quantity    TEXT,
		UNIQUE(record_date, account_id, symbol)
	);`,
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), statementTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, statementTimeout)
}

func (s *SQLiteStore) GetUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) GetUserAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, account_number, hash_value, description, account_type, cash_balance, total_value
		FROM accounts WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts for %s: %w", userID, err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		var cash, total string
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.HashValue,
			&a.Description, &a.AccountType, &cash, &total); err != nil {
			return nil, err
		}
		if a.CashBalance, err = decimal.NewFromString(cash); err != nil {
			return nil, fmt.Errorf("account %s cash_balance: %w", a.ID, err)
		}
		if a.TotalValue, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("account %s total_value: %w", a.ID, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) GetHashValues(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash_value FROM accounts WHERE user_id = ? AND hash_value != ''`, userID)
	if err != nil {
		return nil, fmt.Errorf("query hash values for %s: %w", userID, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *SQLiteStore) UpdateAccountHash(ctx context.Context, accountNumber, hashValue string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET hash_value = ? WHERE account_number = ?`, hashValue, accountNumber)
	if err != nil {
		return fmt.Errorf("update account hash: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAccountCashBalance(ctx context.Context, accountID string, cash decimal.Decimal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET cash_balance = ? WHERE id = ?`, cash.String(), accountID)
	if err != nil {
		return fmt.Errorf("update cash balance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAccountTotalValue(ctx context.Context, accountID string, total decimal.Decimal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET total_value = ? WHERE id = ?`, total.String(), accountID)
	if err != nil {
		return fmt.Errorf("update total value: %w", err)
	}
	return nil
}

const ruleColumns = `r.id, r.account_id, a.user_id, a.hash_value, r.symbol, r.stock_name,
	r.trade_action, r.limit_type, r.limit_value, r.target_amount, r.daily_money,
	r.cash_only, r.status, r.current_holding, r.average_price, r.last_price, r.high_price`

func (s *SQLiteStore) queryRules(ctx context.Context, where string, args ...any) ([]models.Rule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + ruleColumns + `
		FROM trading_rules r JOIN accounts a ON r.account_id = a.id ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(rows *sql.Rows) (models.Rule, error) {
	var r models.Rule
	var action, limitType, status string
	var limitValue, dailyMoney, holding, avg, last, high string
	var cashOnly int

	if err := rows.Scan(&r.ID, &r.AccountID, &r.UserID, &r.HashValue, &r.Symbol, &r.StockName,
		&action, &limitType, &limitValue, &r.TargetAmount, &dailyMoney,
		&cashOnly, &status, &holding, &avg, &last, &high); err != nil {
		return r, err
	}

	r.Action = models.TradeAction(action)
	r.Status = models.RuleStatus(status)
	r.CashOnly = cashOnly != 0

	var err error
	if r.Limit, err = parseLimit(limitType, limitValue); err != nil {
		return r, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	if r.DailyMoney, err = decimal.NewFromString(dailyMoney); err != nil {
		return r, fmt.Errorf("rule %d daily_money: %w", r.ID, err)
	}
	if r.CurrentHolding, err = decimal.NewFromString(holding); err != nil {
		return r, fmt.Errorf("rule %d current_holding: %w", r.ID, err)
	}
	if r.AveragePrice, err = decimal.NewFromString(avg); err != nil {
		return r, fmt.Errorf("rule %d average_price: %w", r.ID, err)
	}
	if r.LastPrice, err = decimal.NewFromString(last); err != nil {
		return r, fmt.Errorf("rule %d last_price: %w", r.ID, err)
	}
	if r.HighPrice, err = decimal.NewFromString(high); err != nil {
		return r, fmt.Errorf("rule %d high_price: %w", r.ID, err)
	}
	return r, nil
}

func parseLimit(limitType, limitValue string) (models.Limit, error) {
	value, err := decimal.NewFromString(limitValue)
	if err != nil {
		return models.Limit{}, fmt.Errorf("limit_value: %w", err)
	}
	return models.Limit{Kind: models.LimitKind(limitType), Value: value}, nil
}

func (s *SQLiteStore) GetActiveRules(ctx context.Context) ([]models.Rule, error) {
	return s.queryRules(ctx,
		`WHERE r.status = 'ACTIVE' ORDER BY a.user_id, r.trade_action`)
}

func (s *SQLiteStore) GetAllRules(ctx context.Context) ([]models.Rule, error) {
	return s.queryRules(ctx, `ORDER BY a.user_id, r.id`)
}

func (s *SQLiteStore) GetPeriodicRules(ctx context.Context) ([]models.Rule, error) {
	return s.queryRules(ctx,
		`WHERE r.limit_type IN ('weekly', 'monthly') AND r.status IN ('ACTIVE', 'PROCESSED')`)
}

func (s *SQLiteStore) UpdateRuleStatus(ctx context.Context, ruleID int64, status models.RuleStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE trading_rules SET status = ?, last_updated = datetime('now') WHERE id = ?`,
		string(status), ruleID)
	if err != nil {
		return fmt.Errorf("update rule status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", ruleID, ErrRuleNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateCurrentPriceQuantity(ctx context.Context, ruleID int64, lastPrice, holding, averagePrice, highPrice decimal.Decimal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE trading_rules
		SET last_price = ?, current_holding = ?, average_price = ?, high_price = ?,
			last_updated = datetime('now')
		WHERE id = ?`,
		lastPrice.String(), holding.String(), averagePrice.String(), highPrice.String(), ruleID)
	if err != nil {
		return fmt.Errorf("update rule price/quantity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSplitAdjustment(ctx context.Context, adj SplitAdjustment) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE trading_rules
		SET average_price = ?, high_price = ?, target_amount = ?, current_holding = ?,
			last_updated = datetime('now')
		WHERE id = ?`,
		adj.AveragePrice.String(), adj.HighPrice.String(), adj.TargetAmount,
		adj.Holding.String(), adj.RuleID)
	if err != nil {
		return fmt.Errorf("update split adjustment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", adj.RuleID, ErrRuleNotFound)
	}
	return nil
}

// GetTradeToday sums used_money over the rule's fills on day.
func (s *SQLiteStore) GetTradeToday(ctx context.Context, ruleID int64, day time.Time) (decimal.Decimal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(used_money) FROM trade_history
		WHERE trading_rule_id = ? AND date(trade_date) = ?`,
		ruleID, day.Format("2006-01-02")).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query trade today: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(total.String)
}

func (s *SQLiteStore) RecordTrade(ctx context.Context, rec models.TradeRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_history
			(account_id, trading_rule_id, order_id, symbol, quantity, price, trade_type, used_money, trade_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.RuleID, rec.OrderID, rec.Symbol, rec.Quantity,
		rec.Price.String(), string(rec.Action), rec.UsedMoney.String(),
		rec.TradeDate.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// AddDailyResult writes the synthetic cash/total rows plus one row per
// held symbol. Re-running the snapshot for the same day overwrites.
func (s *SQLiteStore) AddDailyResult(ctx context.Context, date string, accountID string, cash, total decimal.Decimal, holdings map[string]models.PositionDetail) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO daily_records (record_date, account_id, symbol, amount, quantity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_date, account_id, symbol)
		DO UPDATE SET amount = excluded.amount, quantity = excluded.quantity`

	if _, err := tx.ExecContext(ctx, upsert, date, accountID, models.SnapshotSymbolCash, cash.String(), nil); err != nil {
		return fmt.Errorf("snapshot cash row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, date, accountID, models.SnapshotSymbolTotal, total.String(), nil); err != nil {
		return fmt.Errorf("snapshot total row: %w", err)
	}
	for symbol, pos := range holdings {
		if _, err := tx.ExecContext(ctx, upsert, date, accountID, symbol,
			pos.MarketValue().String(), pos.Quantity.String()); err != nil {
			return fmt.Errorf("snapshot %s row: %w", symbol, err)
		}
	}
	return tx.Commit()
}
