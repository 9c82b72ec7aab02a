// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — order sides and
// states, stock grades, market regimes, VI states, and the realtime data
// records produced by the KIS WebSocket feed. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TradeMode selects between real-money and simulated execution.
type TradeMode string

const (
	ModeLive  TradeMode = "LIVE"
	ModePaper TradeMode = "PAPER"
)

// OrderState enumerates the order lifecycle states.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartialFilled   OrderState = "PARTIAL_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelRequested OrderState = "CANCEL_REQUESTED"
	StateCancelled       OrderState = "CANCELLED"
	StateAmendRequested  OrderState = "AMEND_REQUESTED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateError           OrderState = "ERROR"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateError:
		return true
	}
	return false
}

// Completed reports whether the order finished without a failure
// (filled, cancelled, or expired — as opposed to rejected/errored).
func (s OrderState) Completed() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired:
		return true
	}
	return false
}

// StockGrade classifies stocks by market-cap rank.
//
//	A: top 30 (ultra-large blue chips)
//	B: rank 31–100 (momentum mid-caps)
//	C: rank 101–200 (thematic small-caps)
//	D: trading prohibited
type StockGrade string

const (
	GradeA StockGrade = "A"
	GradeB StockGrade = "B"
	GradeC StockGrade = "C"
	GradeD StockGrade = "D"
)

// MarketRegime is the top-down market state used to scale risk.
type MarketRegime string

const (
	RegimeStrongBull MarketRegime = "STRONG_BULL"
	RegimeBull       MarketRegime = "BULL"
	RegimeSideways   MarketRegime = "SIDEWAYS"
	RegimeBear       MarketRegime = "BEAR"
	RegimeStrongBear MarketRegime = "STRONG_BEAR"
)

// VIState is the volatility-interruption state of a single stock.
type VIState string

const (
	VINormal    VIState = "NORMAL"
	VIWarning   VIState = "WARNING"
	VITriggered VIState = "VI_TRIGGERED"
	VICooling   VIState = "COOLING"
)

// ————————————————————————————————————————————————————————————————————————
// Realtime data records
// ————————————————————————————————————————————————————————————————————————
// These map the caret-delimited KIS WebSocket payloads into typed records.
// Prices are KRW (whole won), volumes are share counts.

// PriceData is one realtime execution tick (tr_id H0STCNT0).
type PriceData struct {
	StockCode string
	Time      string  // HHMMSS execution time
	Price     int64   // last traded price
	Sign      string  // vs prev close: 1 upper-limit, 2 up, 3 flat, 4 lower-limit, 5 down
	Change    int64   // change vs prev close
	ChangePct float64 // change rate in percent
	WeightAvg float64 // weighted average price
	Open      int64
	High      int64
	Low       int64
	Ask1      int64 // best ask at execution
	Bid1      int64 // best bid at execution
	Volume    int64 // this execution's volume
	CumVolume int64 // accumulated volume
	CumAmount int64 // accumulated traded value (KRW)
	BuyFlag   string
	TotalSell int64
	TotalBuy  int64
	Strength  float64 // volume power (체결강도)
	Timestamp time.Time
}

// OrderbookData is one realtime 10-level orderbook update (tr_id H0STASP0).
type OrderbookData struct {
	StockCode  string
	Time       string
	AskPrices  [10]int64
	BidPrices  [10]int64
	AskVolumes [10]int64
	BidVolumes [10]int64
	TotalAsk   int64
	TotalBid   int64
	Timestamp  time.Time
}

// BestAsk returns the first non-zero ask level (price, volume).
func (ob *OrderbookData) BestAsk() (int64, int64) {
	for i := range ob.AskPrices {
		if ob.AskPrices[i] > 0 {
			return ob.AskPrices[i], ob.AskVolumes[i]
		}
	}
	return 0, 0
}

// BestBid returns the first non-zero bid level (price, volume).
func (ob *OrderbookData) BestBid() (int64, int64) {
	for i := range ob.BidPrices {
		if ob.BidPrices[i] > 0 {
			return ob.BidPrices[i], ob.BidVolumes[i]
		}
	}
	return 0, 0
}

// VIData is a volatility-interruption notice (tr_id H0STVI0).
// Class "1" means VI triggered, "2" means released.
type VIData struct {
	StockCode    string
	Time         string
	Class        string // "1" triggered, "2" released
	Status       string
	StaticBase   int64 // static VI reference price
	DynamicBase  int64 // dynamic VI reference price
	TriggerPrice int64
	Timestamp    time.Time
}

// OrderNotice is an order execution notification (tr_id H0STCNC0).
// One notice arrives per acceptance, fill, or rejection of our own orders.
type OrderNotice struct {
	OrderDate    string // YYYYMMDD
	OrderTime    string // HHMMSS
	AccountNo    string
	OrderNo      string
	StockCode    string
	Side         Side
	OrderKind    string // 00 limit, 01 market
	OrderPrice   int64
	OrderQty     int64
	ExecPrice    int64
	ExecQty      int64
	ExecAmount   int64
	RemainingQty int64
	Status       string
	RejectReason string
	Timestamp    time.Time
}

// Candle is one OHLCV bar (daily or minute).
type Candle struct {
	Date   string `json:"date"` // YYYYMMDD for daily, HHMMSS for minute
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ————————————————————————————————————————————————————————————————————————
// Trading signals
// ————————————————————————————————————————————————————————————————————————

// TradeSignal is the strategy output handed to the order manager.
// Confidence is a 1–5 star score; ≤2 never passes risk validation.
type TradeSignal struct {
	StockCode     string
	Side          Side
	Quantity      int64
	Price         int64 // limit price, 0 = market
	StrategyCode  string
	StopLossPrice int64
	Confidence    int
	Grade         StockGrade
	Sector        string
	Regime        MarketRegime
}
