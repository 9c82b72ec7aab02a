// Package exchange implements the KIS OpenAPI REST and WebSocket clients.
//
// The REST client (Client) talks to the KIS domestic-stock API:
//   - GetPrice:       GET  /uapi/domestic-stock/v1/quotations/inquire-price
//   - GetOrderbook:   GET  /uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn
//   - GetDailyPrices: GET  /uapi/domestic-stock/v1/quotations/inquire-daily-price
//   - GetVolumeRank:  GET  /uapi/domestic-stock/v1/quotations/volume-rank
//   - PlaceOrder:     POST /uapi/domestic-stock/v1/trading/order-cash
//   - CancelOrder:    POST /uapi/domestic-stock/v1/trading/order-rvsecncl
//   - ModifyOrder:    POST /uapi/domestic-stock/v1/trading/order-rvsecncl
//   - GetBalance:     GET  /uapi/domestic-stock/v1/trading/inquire-balance
//
// Every request waits on a shared token bucket (18 req/s) before hitting the
// wire. Order POSTs carry a body-integrity hashkey. Gateway throttling
// responses (msg_cd EGW00200/EGW00201) are retried with exponential backoff;
// any other non-zero rt_cd becomes a typed *APIError.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"kats-trader/internal/config"
	"kats-trader/pkg/types"
)

// Transaction IDs for the endpoints above. Order tr_ids differ between the
// live system (TTTC...) and the paper system (VTTC...).
const (
	trPrice      = "FHKST01010100"
	trOrderbook  = "FHKST01010200"
	trDailyPrice = "FHKST01010400"
	trVolumeRank = "FHPST01710000"

	trOrderBuyLive   = "TTTC0802U"
	trOrderSellLive  = "TTTC0801U"
	trOrderBuyPaper  = "VTTC0802U"
	trOrderSellPaper = "VTTC0801U"
	trAmendLive      = "TTTC0803U"
	trAmendPaper     = "VTTC0803U"
	trBalanceLive    = "TTTC8434R"
	trBalancePaper   = "VTTC8434R"
)

const (
	maxAttempts = 3 // total tries for gateway-throttled requests
)

// APIError is a KIS business-level rejection (rt_cd != "0").
type APIError struct {
	MsgCd string // broker message code, e.g. "APBK0919"
	Msg1  string // human-readable message
	Raw   string // raw response body for diagnostics
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kis api error %s: %s", e.MsgCd, e.Msg1)
}

// retryable reports whether the error is a transient gateway-throttling
// rejection worth retrying.
func retryable(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return apiErr.MsgCd == "EGW00200" || apiErr.MsgCd == "EGW00201"
}

// envelope is the common KIS response wrapper. Payloads arrive in output,
// output1, or output2 depending on the endpoint.
type envelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// Client is the KIS REST API client. It wraps a resty HTTP client with
// rate limiting, token/hashkey handling, and throttle retry.
type Client struct {
	http    *resty.Client
	tokens  *TokenManager
	hashkey *HashkeyClient
	bucket  *TokenBucket

	accountNo   string // CANO
	productCode string // ACNT_PRDT_CD
	mode        types.TradeMode

	logger *slog.Logger
}

// NewClient creates a REST client for the configured trade mode.
func NewClient(cfg *config.Config, tokens *TokenManager, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL()
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		tokens:      tokens,
		hashkey:     NewHashkeyClient(cfg.API.AppKey, cfg.API.AppSecret, baseURL),
		bucket:      NewTokenBucket(cfg.API.Burst, cfg.API.RatePerSecond),
		accountNo:   cfg.API.AccountNo,
		productCode: cfg.API.ProductCode,
		mode:        types.TradeMode(cfg.TradeMode),
		logger:      logger.With("component", "rest"),
	}
}

// Bucket exposes the rate limiter for the status API.
func (c *Client) Bucket() *TokenBucket { return c.bucket }

func (c *Client) headers(ctx context.Context, trID string) (map[string]string, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        c.hashkey.appKey,
		"appsecret":     c.hashkey.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}

// get performs a rate-limited GET with throttle retry.
func (c *Client) get(ctx context.Context, path, trID string, params map[string]string) (*envelope, error) {
	for attempt := 0; ; attempt++ {
		env, err := c.getOnce(ctx, path, trID, params)
		if err == nil {
			return env, nil
		}
		if !retryable(err) || attempt+1 >= maxAttempts {
			return nil, err
		}

		backoff := time.Duration(1<<(attempt+1)) * time.Second
		c.logger.Warn("gateway throttled, retrying",
			"tr_id", trID,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) getOnce(ctx context.Context, path, trID string, params map[string]string) (*envelope, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, trID)
	if err != nil {
		return nil, err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&env).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", trID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", trID, resp.StatusCode(), resp.String())
	}
	if env.RtCd != "0" {
		return nil, &APIError{MsgCd: env.MsgCd, Msg1: env.Msg1, Raw: resp.String()}
	}
	return &env, nil
}

// post performs a rate-limited POST with hashkey and throttle retry.
func (c *Client) post(ctx context.Context, path, trID string, body map[string]string) (*envelope, error) {
	for attempt := 0; ; attempt++ {
		env, err := c.postOnce(ctx, path, trID, body)
		if err == nil {
			return env, nil
		}
		if !retryable(err) || attempt+1 >= maxAttempts {
			return nil, err
		}

		backoff := time.Duration(1<<(attempt+1)) * time.Second
		c.logger.Warn("gateway throttled, retrying",
			"tr_id", trID,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) postOnce(ctx context.Context, path, trID string, body map[string]string) (*envelope, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, trID)
	if err != nil {
		return nil, err
	}
	hash, err := c.hashkey.Hashkey(ctx, body)
	if err != nil {
		return nil, err
	}
	headers["hashkey"] = hash

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&env).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", trID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", trID, resp.StatusCode(), resp.String())
	}
	if env.RtCd != "0" {
		return nil, &APIError{MsgCd: env.MsgCd, Msg1: env.Msg1, Raw: resp.String()}
	}
	return &env, nil
}

// ————————————————————————————————————————————————————————————————————————
// Quotations
// ————————————————————————————————————————————————————————————————————————

// PriceQuote is the current-price snapshot from inquire-price.
type PriceQuote struct {
	StockCode string
	Price     int64   // stck_prpr
	Change    int64   // prdy_vrss
	ChangePct float64 // prdy_ctrt
	Open      int64
	High      int64
	Low       int64
	Volume    int64 // acml_vol
}

// GetPrice fetches the current price for a stock.
func (c *Client) GetPrice(ctx context.Context, stockCode string) (*PriceQuote, error) {
	env, err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", trPrice, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         stockCode,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Price     string `json:"stck_prpr"`
		Change    string `json:"prdy_vrss"`
		ChangePct string `json:"prdy_ctrt"`
		Open      string `json:"stck_oprc"`
		High      string `json:"stck_hgpr"`
		Low       string `json:"stck_lwpr"`
		Volume    string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("parse price output: %w", err)
	}

	return &PriceQuote{
		StockCode: stockCode,
		Price:     parseInt(out.Price),
		Change:    parseInt(out.Change),
		ChangePct: parseFloat(out.ChangePct),
		Open:      parseInt(out.Open),
		High:      parseInt(out.High),
		Low:       parseInt(out.Low),
		Volume:    parseInt(out.Volume),
	}, nil
}

// OrderbookQuote is the top-of-book from inquire-asking-price-exp-ccn.
type OrderbookQuote struct {
	StockCode string
	Ask1      int64
	Bid1      int64
	AskVol1   int64
	BidVol1   int64
	TotalAsk  int64
	TotalBid  int64
}

// GetOrderbook fetches the current asking-price snapshot for a stock.
func (c *Client) GetOrderbook(ctx context.Context, stockCode string) (*OrderbookQuote, error) {
	env, err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", trOrderbook, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         stockCode,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Askp1    string `json:"askp1"`
		Bidp1    string `json:"bidp1"`
		AskpRsq1 string `json:"askp_rsqn1"`
		BidpRsq1 string `json:"bidp_rsqn1"`
		TotalAsk string `json:"total_askp_rsqn"`
		TotalBid string `json:"total_bidp_rsqn"`
	}
	if err := json.Unmarshal(env.Output1, &out); err != nil {
		return nil, fmt.Errorf("parse orderbook output: %w", err)
	}

	return &OrderbookQuote{
		StockCode: stockCode,
		Ask1:      parseInt(out.Askp1),
		Bid1:      parseInt(out.Bidp1),
		AskVol1:   parseInt(out.AskpRsq1),
		BidVol1:   parseInt(out.BidpRsq1),
		TotalAsk:  parseInt(out.TotalAsk),
		TotalBid:  parseInt(out.TotalBid),
	}, nil
}

// GetDailyPrices fetches daily candles (period "D", "W", or "M").
// KIS returns newest-first; the result is reversed to chronological order.
func (c *Client) GetDailyPrices(ctx context.Context, stockCode, period string) ([]types.Candle, error) {
	env, err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-price", trDailyPrice, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         stockCode,
		"FID_PERIOD_DIV_CODE":    period,
		"FID_ORG_ADJ_PRC":        "0",
	})
	if err != nil {
		return nil, err
	}

	raw := env.Output2
	if len(raw) == 0 {
		raw = env.Output
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse daily prices: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		candles = append(candles, types.Candle{
			Date:   r.Date,
			Open:   parseFloat(r.Open),
			High:   parseFloat(r.High),
			Low:    parseFloat(r.Low),
			Close:  parseFloat(r.Close),
			Volume: parseInt(r.Volume),
		})
	}
	return candles, nil
}

// VolumeRankItem is one row of the volume-rank screen.
type VolumeRankItem struct {
	StockCode string
	Name      string
	Price     int64
	ChangePct float64
	Volume    int64
}

// GetVolumeRank fetches the top stocks by traded volume.
func (c *Client) GetVolumeRank(ctx context.Context) ([]VolumeRankItem, error) {
	env, err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/volume-rank", trVolumeRank, map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_COND_SCR_DIV_CODE":  "20171",
		"FID_INPUT_ISCD":         "0000",
		"FID_DIV_CLS_CODE":       "0",
		"FID_BLNG_CLS_CODE":      "0",
		"FID_TRGT_CLS_CODE":      "111111111",
		"FID_TRGT_EXLS_CLS_CODE": "000000",
		"FID_INPUT_PRICE_1":      "",
		"FID_INPUT_PRICE_2":      "",
		"FID_VOL_CNT":            "",
		"FID_INPUT_DATE_1":       "",
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Code      string `json:"mksc_shrn_iscd"`
		Name      string `json:"hts_kor_isnm"`
		Price     string `json:"stck_prpr"`
		ChangePct string `json:"prdy_ctrt"`
		Volume    string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output, &rows); err != nil {
		return nil, fmt.Errorf("parse volume rank: %w", err)
	}

	items := make([]VolumeRankItem, len(rows))
	for i, r := range rows {
		items[i] = VolumeRankItem{
			StockCode: r.Code,
			Name:      r.Name,
			Price:     parseInt(r.Price),
			ChangePct: parseFloat(r.ChangePct),
			Volume:    parseInt(r.Volume),
		}
	}
	return items, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the broker acknowledgement of an order submission.
type OrderResult struct {
	OrderNo   string // ODNO — broker order number
	OrderTime string // ORD_TMD — HHMMSS acceptance time
}

// PlaceOrder submits a cash order. price 0 means market order (ORD_DVSN 01),
// otherwise a limit order at the given price (ORD_DVSN 00).
func (c *Client) PlaceOrder(ctx context.Context, stockCode string, side types.Side, qty, price int64) (*OrderResult, error) {
	trID := c.orderTrID(side)

	ordDvsn := "00"
	if price == 0 {
		ordDvsn = "01"
	}

	body := map[string]string{
		"CANO":         c.accountNo,
		"ACNT_PRDT_CD": c.productCode,
		"PDNO":         stockCode,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	}

	env, err := c.post(ctx, "/uapi/domestic-stock/v1/trading/order-cash", trID, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("parse order output: %w", err)
	}

	c.logger.Info("order submitted",
		"stock_code", stockCode,
		"side", side,
		"qty", qty,
		"price", price,
		"order_no", out.OrderNo,
	)
	return &OrderResult{OrderNo: out.OrderNo, OrderTime: out.OrderTime}, nil
}

// CancelOrder cancels the full remaining quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, orderNo, stockCode string) (*OrderResult, error) {
	return c.reviseOrder(ctx, orderNo, stockCode, "02", 0)
}

// ModifyOrder amends an order's price for the full remaining quantity.
// newPrice 0 amends to a market order.
func (c *Client) ModifyOrder(ctx context.Context, orderNo, stockCode string, newPrice int64) (*OrderResult, error) {
	return c.reviseOrder(ctx, orderNo, stockCode, "01", newPrice)
}

// reviseOrder hits order-rvsecncl. rvseCd is "01" for amend, "02" for cancel.
func (c *Client) reviseOrder(ctx context.Context, orderNo, stockCode, rvseCd string, newPrice int64) (*OrderResult, error) {
	trID := trAmendLive
	if c.mode == types.ModePaper {
		trID = trAmendPaper
	}

	ordDvsn := "00"
	if newPrice == 0 {
		ordDvsn = "01"
	}

	body := map[string]string{
		"CANO":               c.accountNo,
		"ACNT_PRDT_CD":       c.productCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderNo,
		"ORD_DVSN":           ordDvsn,
		"RVSE_CNCL_DVSN_CD":  rvseCd,
		"ORD_QTY":            "0",
		"ORD_UNPR":           strconv.FormatInt(newPrice, 10),
		"QTY_ALL_ORD_YN":     "Y",
	}

	env, err := c.post(ctx, "/uapi/domestic-stock/v1/trading/order-rvsecncl", trID, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("parse revise output: %w", err)
	}

	c.logger.Info("order revised",
		"orig_order_no", orderNo,
		"stock_code", stockCode,
		"rvse_cd", rvseCd,
		"new_price", newPrice,
	)
	return &OrderResult{OrderNo: out.OrderNo, OrderTime: out.OrderTime}, nil
}

func (c *Client) orderTrID(side types.Side) string {
	if c.mode == types.ModePaper {
		if side == types.BUY {
			return trOrderBuyPaper
		}
		return trOrderSellPaper
	}
	if side == types.BUY {
		return trOrderBuyLive
	}
	return trOrderSellLive
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// BalancePosition is one holding row from inquire-balance.
type BalancePosition struct {
	StockCode string
	Name      string
	Quantity  int64
	AvgPrice  float64
	EvalValue int64
	PnL       int64
}

// Balance is the account summary from inquire-balance.
type Balance struct {
	Cash      int64 // dnca_tot_amt — deposit total
	TotalEval int64 // tot_evlu_amt — total account valuation
	Positions []BalancePosition
}

// GetBalance fetches the account's cash and holdings.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	trID := trBalanceLive
	if c.mode == types.ModePaper {
		trID = trBalancePaper
	}

	env, err := c.get(ctx, "/uapi/domestic-stock/v1/trading/inquire-balance", trID, map[string]string{
		"CANO":                  c.accountNo,
		"ACNT_PRDT_CD":          c.productCode,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Code     string `json:"pdno"`
		Name     string `json:"prdt_name"`
		Qty      string `json:"hldg_qty"`
		AvgPrice string `json:"pchs_avg_pric"`
		Eval     string `json:"evlu_amt"`
		PnL      string `json:"evlu_pfls_amt"`
	}
	if err := json.Unmarshal(env.Output1, &rows); err != nil {
		return nil, fmt.Errorf("parse balance holdings: %w", err)
	}

	var summary []struct {
		Cash      string `json:"dnca_tot_amt"`
		TotalEval string `json:"tot_evlu_amt"`
	}
	if err := json.Unmarshal(env.Output2, &summary); err != nil {
		return nil, fmt.Errorf("parse balance summary: %w", err)
	}

	bal := &Balance{}
	if len(summary) > 0 {
		bal.Cash = parseInt(summary[0].Cash)
		bal.TotalEval = parseInt(summary[0].TotalEval)
	}
	for _, r := range rows {
		if parseInt(r.Qty) == 0 {
			continue
		}
		bal.Positions = append(bal.Positions, BalancePosition{
			StockCode: r.Code,
			Name:      r.Name,
			Quantity:  parseInt(r.Qty),
			AvgPrice:  parseFloat(r.AvgPrice),
			EvalValue: parseInt(r.Eval),
			PnL:       parseInt(r.PnL),
		})
	}
	return bal, nil
}

// KIS returns all numbers as strings; malformed values parse to zero.
func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
