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
	kisBaseURL = "https://openapi.koreainvestment.com:9443"

	// KIS transaction ids.
	kisTrHoliday    = "CTCA0903R"
	kisTrBalance    = "TTTC8434R"
	kisTrOrderCash  = "TTTC8908R"
	kisTrQuote      = "FHKST01010100"
	kisTrLimitBuy   = "TTTC0012U"
	kisTrSellOrders = "TTTC0011U"

	// KIS throttles to roughly 5 requests per second per key.
	kisRequestGap = 200 * time.Millisecond

	// Continuation queries stop after this many pages even if the API
	// keeps returning a next key.
	kisMaxPages = 10
)

// KISClient talks to the Korea Investment & Securities open API for
// one user. KR account numbers double as their own hashes.
type KISClient struct {
	client         *http.Client
	baseURL        string
	appKey         string
	appSecret      string
	accessToken    string
	accountNumbers []string
	productCode    string
	logger         *log.Logger
	clk            clock.Clock
	loc            *time.Location

	mu        sync.Mutex
	lastCall  time.Time
	hoursDate string
	todayOpen bool
}

var _ Broker = (*KISClient)(nil)

// NewKISClient creates a KIS client with the default endpoint and a
// 30-second HTTP timeout.
func NewKISClient(appKey, appSecret, accessToken string, accountNumbers []string, logger *log.Logger) *KISClient {
	return &KISClient{
		client:         &http.Client{Timeout: 30 * time.Second},
		baseURL:        kisBaseURL,
		appKey:         appKey,
		appSecret:      appSecret,
		accessToken:    accessToken,
		accountNumbers: accountNumbers,
		productCode:    "01",
		logger:         logger,
		clk:            clock.Real{},
		loc:            models.MarketKR.Location(),
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (k *KISClient) WithHTTPClient(c *http.Client) *KISClient {
	if c != nil {
		k.client = c
	}
	return k
}

// WithBaseURL overrides the API endpoint.
func (k *KISClient) WithBaseURL(baseURL string) *KISClient {
	k.baseURL = baseURL
	return k
}

// WithClock overrides the time source.
func (k *KISClient) WithClock(c clock.Clock) *KISClient {
	k.clk = c
	return k
}

// throttle spaces requests out to stay under the KIS rate limit.
func (k *KISClient) throttle() {
	k.mu.Lock()
	wait := kisRequestGap - k.clk.Now().Sub(k.lastCall)
	k.lastCall = k.clk.Now()
	k.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// GetHashes returns the identity map: KIS addresses accounts by their
// plain account number.
func (k *KISClient) GetHashes(ctx context.Context) (map[string]string, error) {
	hashes := make(map[string]string, len(k.accountNumbers))
	for _, number := range k.accountNumbers {
		hashes[number] = number
	}
	return hashes, nil
}

// MarketOpen reports whether the KRX regular session (09:00-15:30 KST,
// weekdays) is open. The exchange holiday calendar is checked once per
// day via the API.
func (k *KISClient) MarketOpen(ctx context.Context) (bool, error) {
	now := k.clk.Now().In(k.loc)

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	hhmm := now.Hour()*100 + now.Minute()
	if hhmm < 900 || hhmm >= 1530 {
		return false, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	today := now.Format("20060102")
	if k.hoursDate != today {
		open, err := k.isTradingDay(ctx, today)
		if err != nil {
			return false, err
		}
		k.hoursDate = today
		k.todayOpen = open
	}
	return k.todayOpen, nil
}

func (k *KISClient) isTradingDay(ctx context.Context, date string) (bool, error) {
	params := url.Values{
		"BASS_DT":     {date},
		"CTX_AREA_NK": {""},
		"CTX_AREA_FK": {""},
	}

	var body struct {
		Output []struct {
			BaseDate string `json:"bass_dt"`
			OpenYN   string `json:"opnd_yn"`
		} `json:"output"`
	}
	if err := k.get(ctx, "/uapi/domestic-stock/v1/quotations/chk-holiday", kisTrHoliday, false, "", params, &body); err != nil {
		return false, fmt.Errorf("fetch holiday calendar: %w", err)
	}

	for _, day := range body.Output {
		if day.BaseDate == date {
			return day.OpenYN == "Y", nil
		}
	}
	// The calendar starts at BASS_DT; absence means the API skipped
	// today, treat it as open and let the order flow decide.
	return true, nil
}

// kisBalancePage is one page of the inquire-balance response. KIS
// serializes every number as a string.
type kisBalancePage struct {
	RtCd    string `json:"rt_cd"`
	MsgCd   string `json:"msg_cd"`
	NextFK  string `json:"ctx_area_fk100"`
	NextNK  string `json:"ctx_area_nk100"`
	Output1 []struct {
		Symbol       string          `json:"pdno"`
		Name         string          `json:"prdt_name"`
		Quantity     decimal.Decimal `json:"hldg_qty"`
		AveragePrice decimal.Decimal `json:"pchs_avg_pric"`
		LastPrice    decimal.Decimal `json:"prpr"`
	} `json:"output1"`
	Output2 []struct {
		TotalValue decimal.Decimal `json:"tot_evlu_amt"`
	} `json:"output2"`
}

// forEachBalancePage walks the continuation chain of inquire-balance.
func (k *KISClient) forEachBalancePage(ctx context.Context, account, inqrDvsn, prcsDvsn string, visit func(*kisBalancePage)) error {
	var fk, nk, prevNK, trCont string

	for page := 0; page < kisMaxPages; page++ {
		params := url.Values{
			"CANO":                  {account},
			"ACNT_PRDT_CD":          {k.productCode},
			"AFHR_FLPR_YN":          {"N"},
			"OFL_YN":                {""},
			"INQR_DVSN":             {inqrDvsn},
			"UNPR_DVSN":             {"01"},
			"FUND_STTL_ICLD_YN":     {"N"},
			"FNCG_AMT_AUTO_RDPT_YN": {"N"},
			"PRCS_DVSN":             {prcsDvsn},
			"CTX_AREA_FK100":        {fk},
			"CTX_AREA_NK100":        {nk},
		}

		var body kisBalancePage
		if err := k.get(ctx, "/uapi/domestic-stock/v1/trading/inquire-balance", kisTrBalance, true, trCont, params, &body); err != nil {
			return err
		}
		if body.RtCd != "0" {
			return fmt.Errorf("inquire-balance failed: msg_cd=%s", body.MsgCd)
		}

		visit(&body)

		nk = strings.TrimSpace(body.NextNK)
		fk = strings.TrimSpace(body.NextFK)
		if nk == "" || nk == prevNK {
			return nil
		}
		prevNK = nk
		trCont = "N"
	}
	return nil
}

func (k *KISClient) GetPositions(ctx context.Context, hash string) (map[string]decimal.Decimal, error) {
	positions := make(map[string]decimal.Decimal)
	err := k.forEachBalancePage(ctx, hash, "01", "00", func(page *kisBalancePage) {
		for _, stock := range page.Output1 {
			if stock.Quantity.IsPositive() {
				positions[stock.Symbol] = stock.Quantity
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	return positions, nil
}

// GetPositionsDetail keys by stock name: KR rules identify their
// position by prdt_name, not by ticker code.
func (k *KISClient) GetPositionsDetail(ctx context.Context, hash string) (map[string]models.PositionDetail, error) {
	positions := make(map[string]models.PositionDetail)
	err := k.forEachBalancePage(ctx, hash, "01", "00", func(page *kisBalancePage) {
		for _, stock := range page.Output1 {
			if !stock.Quantity.IsPositive() {
				continue
			}
			positions[stock.Name] = models.PositionDetail{
				Quantity:     stock.Quantity,
				AveragePrice: stock.AveragePrice,
				LastPrice:    stock.LastPrice,
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetch detailed positions: %w", err)
	}
	return positions, nil
}

func (k *KISClient) GetCash(ctx context.Context, hash string) (decimal.Decimal, error) {
	params := url.Values{
		"CANO":                 {hash},
		"ACNT_PRDT_CD":         {k.productCode},
		"PDNO":                 {""},
		"ORD_UNPR":             {""},
		"ORD_DVSN":             {"01"},
		"CMA_EVLU_AMT_ICLD_YN": {"N"},
		"OVRS_ICLD_YN":         {"N"},
	}

	var body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Output struct {
			BuyableCash decimal.Decimal `json:"nrcvb_buy_amt"`
		} `json:"output"`
	}
	if err := k.get(ctx, "/uapi/domestic-stock/v1/trading/inquire-psbl-order", kisTrOrderCash, true, "", params, &body); err != nil {
		return decimal.Zero, fmt.Errorf("fetch cash: %w", err)
	}
	if body.RtCd != "0" {
		return decimal.Zero, fmt.Errorf("inquire-psbl-order failed: msg_cd=%s", body.MsgCd)
	}
	return body.Output.BuyableCash, nil
}

func (k *KISClient) GetAccountResult(ctx context.Context, hash string) (decimal.Decimal, decimal.Decimal, error) {
	var total decimal.Decimal
	err := k.forEachBalancePage(ctx, hash, "02", "01", func(page *kisBalancePage) {
		if len(page.Output2) > 0 {
			total = page.Output2[0].TotalValue
		}
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fetch account result: %w", err)
	}

	cash, err := k.GetCash(ctx, hash)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return cash, total, nil
}

func (k *KISClient) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}

	var body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Output struct {
			LastPrice decimal.Decimal `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := k.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", kisTrQuote, false, "", params, &body); err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	if body.RtCd != "0" {
		return decimal.Zero, fmt.Errorf("inquire-price %s failed: msg_cd=%s", symbol, body.MsgCd)
	}
	return models.MarketKR.RoundPrice(body.Output.LastPrice), nil
}

func (k *KISClient) PlaceLimitBuy(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	return k.placeOrder(ctx, kisTrLimitBuy, hash, symbol, qty, price.StringFixed(0), "00")
}

func (k *KISClient) PlaceLimitSell(ctx context.Context, hash, symbol string, qty int64, price decimal.Decimal) (*Order, error) {
	return k.placeOrder(ctx, kisTrSellOrders, hash, symbol, qty, price.StringFixed(0), "00")
}

func (k *KISClient) PlaceMarketSell(ctx context.Context, hash, symbol string, qty int64) (*Order, error) {
	return k.placeOrder(ctx, kisTrSellOrders, hash, symbol, qty, "0", "01")
}

// SellSweepETFsForCash is a no-op: KR accounts hold no sweep ETFs.
func (k *KISClient) SellSweepETFsForCash(ctx context.Context, hash string, shortfall decimal.Decimal, positions map[string]decimal.Decimal) (*Order, error) {
	return nil, nil
}

func (k *KISClient) placeOrder(ctx context.Context, trID, account, symbol string, qty int64, price, ordDvsn string) (*Order, error) {
	payload := map[string]string{
		"CANO":         account,
		"ACNT_PRDT_CD": k.productCode,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      fmt.Sprintf("%d", qty),
		"ORD_UNPR":     price,
	}

	hashkey, err := k.hashKey(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("compute order hashkey: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	k.throttle()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/uapi/domestic-stock/v1/trading/order-cash", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	k.setHeaders(req, trID, true, "")
	req.Header.Set("hashkey", hashkey)

	var body struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output struct {
			OrderNo string `json:"ODNO"`
		} `json:"output"`
	}
	if err := k.do(req, &body); err != nil {
		return nil, err
	}
	if body.RtCd != "0" {
		return nil, fmt.Errorf("order rejected: %s", body.Msg)
	}
	return &Order{Success: true, ID: body.Output.OrderNo}, nil
}

// hashKey exchanges an order payload for the integrity hash KIS
// requires on every order request.
func (k *KISClient) hashKey(ctx context.Context, payload map[string]string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	k.throttle()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/uapi/hashkey", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("appKey", k.appKey)
	req.Header.Set("appSecret", k.appSecret)

	var body struct {
		Hash string `json:"HASH"`
	}
	if err := k.do(req, &body); err != nil {
		return "", err
	}
	return body.Hash, nil
}

func (k *KISClient) get(ctx context.Context, path, trID string, custType bool, trCont string, params url.Values, response any) error {
	k.throttle()

	endpoint := k.baseURL + path
	if params != nil {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	k.setHeaders(req, trID, custType, trCont)

	return k.do(req, response)
}

func (k *KISClient) setHeaders(req *http.Request, trID string, custType bool, trCont string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+k.accessToken)
	req.Header.Set("appKey", k.appKey)
	req.Header.Set("appSecret", k.appSecret)
	req.Header.Set("tr_id", trID)
	if custType {
		req.Header.Set("custtype", "P")
	}
	if trCont != "" {
		req.Header.Set("tr_cont", trCont)
	}
}

func (k *KISClient) do(req *http.Request, response any) error {
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp, k.logger)

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
