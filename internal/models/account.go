package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a brokerage account owned by a user. The broker-issued
// HashValue is required for every broker call and is refreshed at
// session bootstrap.
type Account struct {
	ID            string
	UserID        string
	AccountNumber string
	HashValue     string
	Description   string
	AccountType   string

	Contribution decimal.Decimal
	CashBalance  decimal.Decimal
	TotalValue   decimal.Decimal
}

// PositionDetail is one row of the detailed session position cache:
// broker-reported quantity, cost basis, and last trade price.
type PositionDetail struct {
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
}

// MarketValue returns quantity times last price.
func (p PositionDetail) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// TradeRecord is one append-only row of trade history.
type TradeRecord struct {
	AccountID string
	RuleID    int64
	OrderID   string
	Symbol    string
	Quantity  int64
	Price     decimal.Decimal
	Action    TradeAction
	UsedMoney decimal.Decimal
	TradeDate time.Time
}

// NewTradeRecord builds a record for a filled order; UsedMoney is
// always qty*price regardless of direction.
func NewTradeRecord(accountID string, ruleID int64, orderID, symbol string,
	qty int64, price decimal.Decimal, action TradeAction, at time.Time) TradeRecord {
	return TradeRecord{
		AccountID: accountID,
		RuleID:    ruleID,
		OrderID:   orderID,
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Action:    action,
		UsedMoney: price.Mul(decimal.NewFromInt(qty)),
		TradeDate: at,
	}
}

// Synthetic symbols used in daily snapshot rows alongside real
// holdings.
const (
	SnapshotSymbolCash  = "cash"
	SnapshotSymbolTotal = "total"
)

// SnapshotRow is one daily_records row; Quantity is nil for the
// synthetic cash/total rows.
type SnapshotRow struct {
	Symbol   string
	Amount   decimal.Decimal
	Quantity *decimal.Decimal
}
