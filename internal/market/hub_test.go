package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/pkg/types"
)

type fakeFetcher struct {
	candles map[string][]types.Candle
	err     error
}

func (f *fakeFetcher) GetDailyPrices(_ context.Context, stockCode, _ string) ([]types.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candles[stockCode], nil
}

func newTestHub() *Hub {
	cache := NewRealtimeCache(3*time.Second, 5*time.Second, testLogger())
	vi := NewVIMonitor(30*time.Second, 1.0, testLogger())
	return NewHub(cache, vi, testLogger())
}

func TestHubLoadHistory(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	fetcher := &fakeFetcher{candles: map[string][]types.Candle{
		"005930": flatCandles(30, 70000, 1000),
	}}

	err := h.LoadHistory(context.Background(), fetcher, []string{"005930"})
	require.NoError(t, err)

	assert.Len(t, h.Candles("005930"), 30)
	ind := h.Indicators("005930")
	require.NotNil(t, ind)
	assert.InDelta(t, 70000.0, ind["sma_20"], 1e-9)

	// Previous close seeds the VI trigger bands at ±10%
	check := h.VI.CheckProximity("005930", 76500)
	assert.Equal(t, types.VIWarning, check.State)
}

func TestHubLoadHistoryPartialFailure(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	fetcher := &fakeFetcher{err: fmt.Errorf("gateway down")}

	err := h.LoadHistory(context.Background(), fetcher, []string{"005930"})
	require.Error(t, err)
	assert.Empty(t, h.Candles("005930"))
}

func TestHubEventRouting(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	h.HandleTick(types.PriceData{StockCode: "005930", Price: 71200, Timestamp: time.Now()})

	book := types.OrderbookData{StockCode: "005930", Timestamp: time.Now()}
	book.BidPrices[0] = 71100
	h.HandleOrderbook(book)

	h.HandleVI(types.VIData{StockCode: "005930", Class: "1"})

	data := h.GetMarketData("005930")
	require.NotNil(t, data.Price)
	require.NotNil(t, data.Orderbook)
	assert.Equal(t, int64(71200), data.Price.Price)
	assert.Equal(t, types.VITriggered, data.VIState)
}

func TestHubIsReady(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	assert.False(t, h.IsReady("005930"))

	fetcher := &fakeFetcher{candles: map[string][]types.Candle{
		"005930": flatCandles(5, 70000, 1000),
	}}
	require.NoError(t, h.LoadHistory(context.Background(), fetcher, []string{"005930"}))
	assert.False(t, h.IsReady("005930"), "history alone is not enough")

	h.HandleTick(types.PriceData{StockCode: "005930", Timestamp: time.Now()})
	assert.True(t, h.IsReady("005930"))
}

func TestHubAppendCandleRefreshesIndicators(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	fetcher := &fakeFetcher{candles: map[string][]types.Candle{
		"005930": flatCandles(20, 100, 1000),
	}}
	require.NoError(t, h.LoadHistory(context.Background(), fetcher, []string{"005930"}))

	h.AppendCandle("005930", types.Candle{Open: 100, High: 200, Low: 100, Close: 200, Volume: 1000})

	ind := h.Indicators("005930")
	assert.InDelta(t, 120.0, ind["sma_5"], 1e-9) // (100*4 + 200) / 5
	assert.Len(t, h.Candles("005930"), 21)
}

func TestHubMinuteCandles(t *testing.T) {
	t.Parallel()

	h := newTestHub()

	// Three ticks inside 09:30, then one at 09:31 completes the bar
	for _, tk := range []struct {
		time   string
		price  int64
		volume int64
	}{
		{"093001", 71200, 100},
		{"093015", 71400, 50},
		{"093042", 71100, 30},
		{"093101", 71300, 10},
	} {
		h.HandleTick(types.PriceData{
			StockCode: "005930", Time: tk.time, Price: tk.price, Volume: tk.volume,
			Timestamp: time.Now(),
		})
	}

	bars := h.MinuteCandles("005930")
	require.Len(t, bars, 1, "only the finished minute is published")
	assert.Equal(t, "093000", bars[0].Date)
	assert.InDelta(t, 71200.0, bars[0].Open, 1e-9)
	assert.InDelta(t, 71400.0, bars[0].High, 1e-9)
	assert.InDelta(t, 71100.0, bars[0].Low, 1e-9)
	assert.InDelta(t, 71100.0, bars[0].Close, 1e-9)
	assert.Equal(t, int64(180), bars[0].Volume)

	data := h.GetMarketData("005930")
	assert.Len(t, data.MinuteCandles, 1)

	h.ClearSession()
	assert.Empty(t, h.MinuteCandles("005930"))
}

func TestHubMinuteCandlesBounded(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	for i := 0; i < minuteCandleLimit+10; i++ {
		h.HandleTick(types.PriceData{
			StockCode: "005930",
			Time:      fmt.Sprintf("%02d%02d00", 9+i/60, i%60),
			Price:     71000 + int64(i),
			Volume:    1,
			Timestamp: time.Now(),
		})
	}
	assert.LessOrEqual(t, len(h.MinuteCandles("005930")), minuteCandleLimit)
}

func TestHubClearSession(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	fetcher := &fakeFetcher{candles: map[string][]types.Candle{
		"005930": flatCandles(5, 100, 1000),
	}}
	require.NoError(t, h.LoadHistory(context.Background(), fetcher, []string{"005930"}))

	h.HandleTick(types.PriceData{StockCode: "005930", Timestamp: time.Now()})
	h.SetTodayOpen("005930", 70500)
	h.ClearSession()

	data := h.GetMarketData("005930")
	assert.Nil(t, data.Price)
	assert.Zero(t, data.TodayOpen)
	assert.Len(t, data.Candles, 5, "history survives session clear")
}
