package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kats-trader/pkg/types"
)

// historyDays is how many daily candles LoadHistory requests per stock,
// enough for the 200-day SMA plus its 20-session slope window.
const historyDays = 250

// minuteCandleLimit bounds the per-stock minute bar buffer. A KRX
// session runs 390 minutes, so a full day fits.
const minuteCandleLimit = 400

// HistoryFetcher fetches daily candles, chronological order.
type HistoryFetcher interface {
	GetDailyPrices(ctx context.Context, stockCode, period string) ([]types.Candle, error)
}

// MarketData is the aggregate view of one stock handed to strategies.
type MarketData struct {
	StockCode     string
	Price         *types.PriceData
	Orderbook     *types.OrderbookData
	Indicators    map[string]float64
	Candles       []types.Candle
	MinuteCandles []types.Candle
	VIState       types.VIState
	TodayOpen     int64
}

// Hub owns all market state for the session: the realtime cache, the VI
// monitor, daily candle history, and precomputed indicators. The engine
// feeds it WebSocket events; strategies read aggregates from it.
type Hub struct {
	Cache *RealtimeCache
	VI    *VIMonitor

	mu            sync.RWMutex
	candles       map[string][]types.Candle
	minuteCandles map[string][]types.Candle
	building      map[string]*types.Candle // current minute bar per stock
	indicators    map[string]map[string]float64
	todayOpen     map[string]int64

	logger *slog.Logger
}

// NewHub creates a hub around an existing cache and VI monitor.
func NewHub(cache *RealtimeCache, vi *VIMonitor, logger *slog.Logger) *Hub {
	return &Hub{
		Cache:         cache,
		VI:            vi,
		candles:       make(map[string][]types.Candle),
		minuteCandles: make(map[string][]types.Candle),
		building:      make(map[string]*types.Candle),
		indicators:    make(map[string]map[string]float64),
		todayOpen:     make(map[string]int64),
		logger:        logger.With("component", "hub"),
	}
}

// HandleTick routes one execution tick from the feed.
func (h *Hub) HandleTick(tick types.PriceData) {
	h.Cache.UpdatePrice(tick)
	h.aggregateMinute(tick)
}

// aggregateMinute folds a tick into the stock's current minute bar,
// completing the bar when the execution time crosses into a new minute.
func (h *Hub) aggregateMinute(tick types.PriceData) {
	if len(tick.Time) < 4 {
		return
	}
	minute := tick.Time[:4] + "00" // HHMMSS floor of the tick's minute
	price := float64(tick.Price)

	h.mu.Lock()
	defer h.mu.Unlock()

	bar := h.building[tick.StockCode]
	if bar == nil || bar.Date != minute {
		if bar != nil {
			bars := append(h.minuteCandles[tick.StockCode], *bar)
			if len(bars) > minuteCandleLimit {
				bars = bars[len(bars)-minuteCandleLimit:]
			}
			h.minuteCandles[tick.StockCode] = bars
		}
		h.building[tick.StockCode] = &types.Candle{
			Date: minute, Open: price, High: price, Low: price, Close: price,
			Volume: tick.Volume,
		}
		return
	}

	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume += tick.Volume
}

// HandleOrderbook routes one orderbook update from the feed.
func (h *Hub) HandleOrderbook(book types.OrderbookData) {
	h.Cache.UpdateOrderbook(book)
}

// HandleVI routes one VI notice from the feed.
func (h *Hub) HandleVI(vi types.VIData) {
	h.VI.HandleNotice(vi)
}

// LoadHistory fetches daily candles for each stock, computes indicators,
// and seeds VI trigger estimates from the previous close. Stocks that fail
// to load are skipped with an error log; the first error is returned so
// callers can decide whether a partial load is acceptable.
func (h *Hub) LoadHistory(ctx context.Context, fetcher HistoryFetcher, stockCodes []string) error {
	var firstErr error

	for _, code := range stockCodes {
		candles, err := fetcher.GetDailyPrices(ctx, code, "D")
		if err != nil {
			h.logger.Error("load history failed", "stock_code", code, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("load history %s: %w", code, err)
			}
			continue
		}
		if len(candles) > historyDays {
			candles = candles[len(candles)-historyDays:]
		}

		h.mu.Lock()
		h.candles[code] = candles
		h.indicators[code] = CalculateAll(candles)
		h.mu.Unlock()

		if len(candles) > 0 {
			prevClose := int64(candles[len(candles)-1].Close)
			h.VI.SeedTriggerPrices(code, prevClose)
		}

		h.logger.Info("history loaded", "stock_code", code, "candles", len(candles))
	}
	return firstErr
}

// GetMarketData returns the aggregate view for one stock.
func (h *Hub) GetMarketData(stockCode string) MarketData {
	snap := h.Cache.Snapshot(stockCode)

	h.mu.RLock()
	candles := h.candles[stockCode]
	minutes := h.minuteCandles[stockCode]
	ind := h.indicators[stockCode]
	open := h.todayOpen[stockCode]
	h.mu.RUnlock()

	return MarketData{
		StockCode:     stockCode,
		Price:         snap.Price,
		Orderbook:     snap.Orderbook,
		Indicators:    ind,
		Candles:       candles,
		MinuteCandles: minutes,
		VIState:       h.VI.State(stockCode),
		TodayOpen:     open,
	}
}

// MinuteCandles returns the completed minute bars for one stock, oldest
// first. The minute still building is not included.
func (h *Hub) MinuteCandles(stockCode string) []types.Candle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.minuteCandles[stockCode]
}

// IsReady reports whether a stock has both history and a fresh tick.
func (h *Hub) IsReady(stockCode string) bool {
	h.mu.RLock()
	_, hasHistory := h.candles[stockCode]
	h.mu.RUnlock()

	return hasHistory && h.Cache.IsFresh(stockCode)
}

// Candles returns the daily history for one stock.
func (h *Hub) Candles(stockCode string) []types.Candle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.candles[stockCode]
}

// Indicators returns the precomputed indicator set for one stock.
func (h *Hub) Indicators(stockCode string) map[string]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.indicators[stockCode]
}

// RefreshIndicators recomputes indicators from the stored candles,
// typically after appending a new bar.
func (h *Hub) RefreshIndicators(stockCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	candles, ok := h.candles[stockCode]
	if !ok {
		return
	}
	h.indicators[stockCode] = CalculateAll(candles)
}

// AppendCandle adds a completed bar to a stock's history, trimming to the
// retained window, and recomputes indicators.
func (h *Hub) AppendCandle(stockCode string, candle types.Candle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	candles := append(h.candles[stockCode], candle)
	if len(candles) > historyDays {
		candles = candles[len(candles)-historyDays:]
	}
	h.candles[stockCode] = candles
	h.indicators[stockCode] = CalculateAll(candles)
}

// SetTodayOpen records the session's opening price for a stock.
func (h *Hub) SetTodayOpen(stockCode string, open int64) {
	h.mu.Lock()
	h.todayOpen[stockCode] = open
	h.mu.Unlock()
}

// ClearSession drops realtime state between trading sessions, minute
// bars included. Daily candle history and indicators are kept.
func (h *Hub) ClearSession() {
	h.Cache.Clear()
	h.VI.Clear()

	h.mu.Lock()
	h.minuteCandles = make(map[string][]types.Candle)
	h.building = make(map[string]*types.Candle)
	h.todayOpen = make(map[string]int64)
	h.mu.Unlock()
}
