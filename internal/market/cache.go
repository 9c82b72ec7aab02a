// Package market maintains realtime market state: the tick/orderbook cache,
// the volatility-interruption monitor, technical indicators computed from
// daily candles, and the hub that wires them to the WebSocket feed.
package market

import (
	"log/slog"
	"sync"
	"time"

	"kats-trader/pkg/types"
)

// CacheSnapshot is a point-in-time copy of everything cached for one stock.
type CacheSnapshot struct {
	Price     *types.PriceData
	Orderbook *types.OrderbookData
}

// RealtimeCache stores the latest tick and orderbook per stock.
// Writes come from the WebSocket dispatch loop; reads come from
// strategies and the order path, so reads take only an RLock.
type RealtimeCache struct {
	mu     sync.RWMutex
	prices map[string]types.PriceData
	books  map[string]types.OrderbookData

	freshWithin    time.Duration // IsFresh cutoff
	staleWarnAfter time.Duration // log a warning when reads see older data

	logger *slog.Logger
}

// NewRealtimeCache creates an empty cache. freshWithin gates IsFresh;
// staleWarnAfter controls read-side staleness warnings.
func NewRealtimeCache(freshWithin, staleWarnAfter time.Duration, logger *slog.Logger) *RealtimeCache {
	return &RealtimeCache{
		prices:         make(map[string]types.PriceData),
		books:          make(map[string]types.OrderbookData),
		freshWithin:    freshWithin,
		staleWarnAfter: staleWarnAfter,
		logger:         logger.With("component", "cache"),
	}
}

// UpdatePrice stores the latest execution tick for a stock.
func (c *RealtimeCache) UpdatePrice(tick types.PriceData) {
	c.mu.Lock()
	c.prices[tick.StockCode] = tick
	c.mu.Unlock()
}

// UpdateOrderbook stores the latest orderbook for a stock.
func (c *RealtimeCache) UpdateOrderbook(book types.OrderbookData) {
	c.mu.Lock()
	c.books[book.StockCode] = book
	c.mu.Unlock()
}

// GetPrice returns the latest tick for a stock, or nil if none cached.
// Logs a warning when the cached tick is older than the stale threshold.
func (c *RealtimeCache) GetPrice(stockCode string) *types.PriceData {
	c.mu.RLock()
	tick, ok := c.prices[stockCode]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	if age := time.Since(tick.Timestamp); age > c.staleWarnAfter {
		c.logger.Warn("stale price data",
			"stock_code", stockCode,
			"age", age.Round(time.Millisecond),
		)
	}
	return &tick
}

// GetOrderbook returns the latest orderbook for a stock, or nil if none cached.
func (c *RealtimeCache) GetOrderbook(stockCode string) *types.OrderbookData {
	c.mu.RLock()
	book, ok := c.books[stockCode]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	if age := time.Since(book.Timestamp); age > c.staleWarnAfter {
		c.logger.Warn("stale orderbook data",
			"stock_code", stockCode,
			"age", age.Round(time.Millisecond),
		)
	}
	return &book
}

// IsFresh reports whether the cached tick for a stock is recent enough to
// base order decisions on.
func (c *RealtimeCache) IsFresh(stockCode string) bool {
	c.mu.RLock()
	tick, ok := c.prices[stockCode]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Since(tick.Timestamp) <= c.freshWithin
}

// Snapshot returns a copy of the cached state for a stock.
func (c *RealtimeCache) Snapshot(stockCode string) CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var snap CacheSnapshot
	if tick, ok := c.prices[stockCode]; ok {
		snap.Price = &tick
	}
	if book, ok := c.books[stockCode]; ok {
		snap.Orderbook = &book
	}
	return snap
}

// Codes returns the stock codes with at least one cached tick.
func (c *RealtimeCache) Codes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make([]string, 0, len(c.prices))
	for code := range c.prices {
		codes = append(codes, code)
	}
	return codes
}

// Clear drops all cached data. Used between trading sessions.
func (c *RealtimeCache) Clear() {
	c.mu.Lock()
	c.prices = make(map[string]types.PriceData)
	c.books = make(map[string]types.OrderbookData)
	c.mu.Unlock()
}
