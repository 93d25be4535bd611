package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ykimdev/ruletrader/internal/clock"
	"github.com/ykimdev/ruletrader/internal/models"
)

const (
	schwabTraderURL     = "https://api.schwabapi.com/trader/v1"
	schwabMarketDataURL = "https://api.schwabapi.com/marketdata/v1"

	// Pre-check window in Pacific time; the exact session bounds come
	// from the market-hours endpoint once per day.
	schwabDefaultOpenHour    = 6
	schwabDefaultOpenMinute  = 30
	schwabDefaultCloseHour   = 13
	schwabDefaultCloseMinute = 0
)

// SchwabClient talks to the Schwab Trader and Market Data APIs for one
// user.
type SchwabClient struct {
	client        *http.Client
	traderURL     string
	marketDataURL string
	accessToken   string
	logger        *log.Logger
	clk           clock.Clock
	loc           *time.Location

	mu           sync.Mutex
	hoursDate    string
	todayOpen    bool
	sessionStart time.Time
	sessionEnd   time.Time
}

var _ Broker = (*SchwabClient)(nil)

// NewSchwabClient creates a Schwab client with the default endpoints
// and a 30-second HTTP timeout.
func NewSchwabClient(accessToken string, logger *log.Logger) *SchwabClient {
	return &SchwabClient{
		client:        &http.Client{Timeout: 30 * time.Second},
		traderURL:     schwabTraderURL,
		marketDataURL: schwabMarketDataURL,
		accessToken:   accessToken,
		logger:        logger,
		clk:           clock.Real{},
		loc:           models.MarketUS.Location(),
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (s *SchwabClient) WithHTTPClient(c *http.Client) *SchwabClient {
	if c != nil {
		s.client = c
	}
	return s
}

// WithBaseURLs overrides both API endpoints.
func (s *SchwabClient) WithBaseURLs(traderURL, marketDataURL string) *SchwabClient {
	s.traderURL = strings.TrimRight(traderURL, "/")
	s.marketDataURL = strings.TrimRight(marketDataURL, "/")
	return s
}

// WithClock overrides the time source.
func (s *SchwabClient) WithClock(c clock.Clock) *SchwabClient {
	s.clk = c
	return s
}

type schwabAccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

func (s *SchwabClient) GetHashes(ctx context.Context) (map[string]string, error) {
	var accounts []schwabAccountNumber
	if err := s.get(ctx, s.traderURL+"/accounts/accountNumbers", nil, &accounts); err != nil {
		return nil, fmt.Errorf("fetch account numbers: %w", err)
	}
	hashes := make(map[string]string, len(accounts))
	for _, a := range accounts {
		hashes[a.AccountNumber] = a.HashValue
	}
	return hashes, nil
}

type schwabMarketHours struct {
	Equity map[string]struct {
		IsOpen       bool `json:"isOpen"`
		SessionHours struct {
			RegularMarket []struct {
				Start string `json:"start"`
				End   string `json:"end"`
			} `json:"regularMarket"`
		} `json:"sessionHours"`
	} `json:"equity"`
}

// MarketOpen reports whether the US equity regular session is open.
// Weekends and the coarse PT window short-circuit without a network
// call; the precise session bounds are fetched once per day.
func (s *SchwabClient) MarketOpen(ctx context.Context) (bool, error) {
	now := s.clk.Now().In(s.loc)

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}

	windowOpen := time.Date(now.Year(), now.Month(), now.Day(), schwabDefaultOpenHour, schwabDefaultOpenMinute, 0, 0, s.loc)
	windowClose := time.Date(now.Year(), now.Month(), now.Day(), schwabDefaultCloseHour, schwabDefaultCloseMinute, 0, 0, s.loc)
	if now.Before(windowOpen) || !now.Before(windowClose) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := now.Format("2006-01-02")
	if s.hoursDate != today {
		isOpen, start, end, err := s.fetchMarketHours(ctx)
		if err != nil {
			return false, err
		}
		s.hoursDate = today
		s.todayOpen = isOpen
		s.sessionStart = start
		s.sessionEnd = end
	}

	if !s.todayOpen {
		return false, nil
	}
	return !now.Before(s.sessionStart) && now.Before(s.sessionEnd), nil
}

func (s *SchwabClient) fetchMarketHours(ctx context.Context) (bool, time.Time, time.Time, error) {
	params := url.Values{"markets": {"equity"}}
	var hours schwabMarketHours
	if err := s.get(ctx, s.marketDataURL+"/markets", params, &hours); err != nil {
		return false, time.Time{}, time.Time{}, fmt.Errorf("fetch market hours: %w", err)
	}

	eq, ok := hours.Equity["EQ"]
	if !ok || !eq.IsOpen {
		return false, time.Time{}, time.Time{}, nil
	}
	regular := eq.SessionHours.RegularMarket
	if len(regular) == 0 {
		return false, time.Time{}, time.Time{}, nil
	}

	start, err := time.Parse(time.RFC3339, regular[0].Start)
	if err != nil {
		return false, time.Time{}, time.Time{}, fmt.Errorf("parse session start %q: %w", regular[0].Start, err)
	}
	end, err := time.Parse(time.RFC3339, regular[0].End)
	if err != nil {
		return false, time.Time{}, time.Time{}, fmt.Errorf("parse session end %q: %w", regular[0].End, err)
	}
	return true, start.In(s.loc), end.In(s.loc), nil
}

type schwabAccount struct {
	SecuritiesAccount struct {
		Positions []struct {
			Instrument struct {
				Symbol string `json:"symbol"`
			} `json:"instrument"`
			LongQuantity decimal.Decimal `json:"longQuantity"`
			AveragePrice decimal.Decimal `json:"averagePrice"`
			MarketValue  decimal.Decimal `json:"marketValue"`
		} `json:"positions"`
		CurrentBalances struct {
			CashAvailableForTrading decimal.Decimal `json:"cashAvailableForTrading"`
		} `json:"currentBalances"`
	} `json:"securitiesAccount"`
	AggregatedBalance struct {
		CurrentLiquidationValue decimal.Decimal `json:"currentLiquidationValue"`
	} `json:"aggregatedBalance"`
}

func (s *SchwabClient) GetPositions(ctx context.Context, hash string) (map[string]decimal.Decimal, error) {
	account, err := s.getAccount(ctx, hash, true)
	if err != nil {
		return nil, err
	}
	positions := make(map[string]decimal.Decimal)
	for _, p := range account.SecuritiesAccount.Positions {
		positions[p.Instrument.Symbol] = p.LongQuantity
	}
	return positions, nil
}

func (s *SchwabClient) GetPositionsDetail(ctx context.Context, hash string) (map[string]models.PositionDetail, error) {
	account, err := s.getAccount(ctx, hash, true)
	if err != nil {
		return nil, err
	}
	positions := make(map[string]models.PositionDetail)
	for _, p := range account.SecuritiesAccount.Positions {
		// Schwab has no per-position last price; derive it from the
		// market value.
		last := decimal.Zero
		if !p.LongQuantity.IsZero() {
			last = p.MarketValue.Div(p.LongQuantity)
		}
		positions[p.Instrument.Symbol] = models.PositionDetail{
			Quantity:     p.LongQuantity,
			AveragePrice: p.AveragePrice,
			LastPrice:    last,
		}
	}
	return positions, nil
}

func (s *SchwabClient) GetCash(ctx context.Context, hash string) (decimal.Decimal, error) {
	account, err := s.getAccount(ctx, hash, false)
	if err != nil {
		return decimal.Zero, err
	}
	return account.SecuritiesAccount.CurrentBalances.CashAvailableForTrading, nil
}

func (s *SchwabClient) GetAccountResult(ctx context.Context, hash string) (decimal.Decimal, decimal.Decimal, error) {
	account, err := s.getAccount(ctx, hash, false)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return account.SecuritiesAccount.CurrentBalances.CashAvailableForTrading,
		account.AggregatedBalance.CurrentLiquidationValue, nil
}

func (s *SchwabClient) getAccount(ctx context.Context, hash string, withPositions bool) (*schwabAccount, error) {
	var params url.Values
	if withPositions {
		params = url.Values{"fields": {"positions"}}
	}
	var account schwabAccount
	if err := s.get(ctx, s.traderURL+"/accounts/"+url.PathEscape(hash), params, &account); err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	return &account, nil
}

func (s *SchwabClient) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var quotes map[string]struct {
		Quote struct {
			LastPrice decimal.Decimal `json:"lastPrice"`
		} `json:"quote"`
	}
	endpoint := s.marketDataURL + "/" + url.PathEscape(symbol) + "/quotes"
	if err := s.get(ctx, endpoint, nil, &quotes); err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("quote response missing symbol %s", symbol)
	}
	return models.MarketUS.RoundPrice(q.Quote.LastPrice), nil
}

type schwabOrderLeg struct {
	Instruction string `json:"instruction"`
	Quantity    int64  `json:"quantity"`
	Instrument  struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

type schwabOrder struct {
	OrderType          string           `json:"orderType"`
	Session            string           `json:"session"`
	Duration           string           `json:"duration"`
	Price              string           `json:"price,omitempty"`
	OrderStrategyType  string           `json:"orderStrategyType"`
	OrderLegCollection []schwabOrderLeg `json:"orderLegCollection"`
}

func newSchwabOrder(orderType, session, instruction, symbol string, qty int64, price string) schwabOrder {
	leg := schwabOrderLeg{Instruction: instruction, Quantity: qty}
	leg.Instrument.Symbol = symbol
	leg.Instrument.AssetType = "EQUITY"
	return schwabOrder{
		OrderType:          orderType,
		Session:            session,
		Duration:           "DAY",
		Price:              price,
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []schwabOrderLeg{leg},
	}
}

func (s *SchwabClient) PlaceLimitBuy(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	order := newSchwabOrder("LIMIT", "SEAMLESS", "BUY", symbol, qty, price.StringFixed(2))
	return s.placeOrder(ctx, hash, order)
}

func (s *SchwabClient) PlaceLimitSell(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	order := newSchwabOrder("LIMIT", "SEAMLESS", "SELL", symbol, qty, price.StringFixed(2))
	return s.placeOrder(ctx, hash, order)
}

func (s *SchwabClient) PlaceMarketSell(ctx context.Context, hash, symbol string, qty int64) (*Order, error) {
	order := newSchwabOrder("MARKET", "NORMAL", "SELL", symbol, qty, "")
	return s.placeOrder(ctx, hash, order)
}

func (s *SchwabClient) placeOrder(ctx context.Context, hash string, order schwabOrder) (*Order, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	endpoint := s.traderURL + "/accounts/" + url.PathEscape(hash) + "/orders"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	// The order id is the tail of the Location header.
	var id string
	if loc := resp.Header.Get("Location"); loc != "" {
		parts := strings.Split(strings.TrimRight(loc, "/"), "/")
		id = parts[len(parts)-1]
	}
	return &Order{Success: true, ID: id}, nil
}

// SellSweepETFsForCash liquidates BIL then SGOV at market to cover the
// shortfall. Returns (nil, nil) when neither is held.
func (s *SchwabClient) SellSweepETFsForCash(ctx context.Context, hash string, shortfall decimal.Decimal, positions map[string]decimal.Decimal) (*Order, error) {
	for _, etf := range SweepETFs {
		held, ok := positions[etf]
		if !ok || !held.IsPositive() {
			continue
		}
		price, err := s.GetLastPrice(ctx, etf)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", etf, err)
		}
		qty := sweepQuantity(held, shortfall, price)
		if qty <= 0 {
			continue
		}
		s.logger.Printf("selling %d %s at market to cover %s shortfall", qty, etf, shortfall)
		return s.PlaceMarketSell(ctx, hash, etf, qty)
	}
	return nil, nil
}

func (s *SchwabClient) get(ctx context.Context, endpoint string, params url.Values, response any) error {
	if params != nil {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func closeBody(resp *http.Response, logger *log.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Printf("failed to close response body: %v", err)
	}
}
