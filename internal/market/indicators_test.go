package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/pkg/types"
)

func flatCandles(n int, close float64, volume int64) []types.Candle {
	candles := make([]types.Candle, n)
	for i := range candles {
		candles[i] = types.Candle{
			Open: close, High: close, Low: close, Close: close, Volume: volume,
		}
	}
	return candles
}

func TestSMA(t *testing.T) {
	t.Parallel()

	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 5)
	require.True(t, ok)
	assert.InDelta(t, 3.0, v, 1e-9)

	// Only the last period values count
	v, ok = SMA([]float64{100, 1, 2, 3}, 3)
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 1e-9)

	_, ok = SMA([]float64{1, 2}, 3)
	assert.False(t, ok)
}

func TestEMAConstantSeries(t *testing.T) {
	t.Parallel()

	values := make([]float64, 30)
	for i := range values {
		values[i] = 50
	}
	v, ok := EMA(values, 10)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)
}

func TestEMAKnownValues(t *testing.T) {
	t.Parallel()

	// period 3: seed SMA(1,2,3)=2, mult 0.5
	// next: (4-2)*0.5+2 = 3; then (5-3)*0.5+3 = 4
	v, ok := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)
}

func TestRSIAllGains(t *testing.T) {
	t.Parallel()

	values := make([]float64, 15)
	for i := range values {
		values[i] = float64(100 + i)
	}
	v, ok := RSI(values, 14)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)
}

func TestRSIBalanced(t *testing.T) {
	t.Parallel()

	// Alternating equal gains and losses → RSI near 50
	values := make([]float64, 30)
	for i := range values {
		if i%2 == 0 {
			values[i] = 100
		} else {
			values[i] = 101
		}
	}
	v, ok := RSI(values, 14)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 2.0)
}

func TestRSIInsufficient(t *testing.T) {
	t.Parallel()

	_, ok := RSI(make([]float64, 14), 14) // needs period+1
	assert.False(t, ok)
}

func TestVWAP(t *testing.T) {
	t.Parallel()

	candles := []types.Candle{
		{High: 110, Low: 90, Close: 100, Volume: 10}, // typical 100
		{High: 220, Low: 180, Close: 200, Volume: 30}, // typical 200
	}
	v, ok := VWAP(candles)
	require.True(t, ok)
	// (100*10 + 200*30) / 40 = 175
	assert.InDelta(t, 175.0, v, 1e-9)

	_, ok = VWAP(nil)
	assert.False(t, ok)
}

func TestBollingerFlat(t *testing.T) {
	t.Parallel()

	values := make([]float64, 20)
	for i := range values {
		values[i] = 100
	}
	upper, middle, lower, ok := Bollinger(values, 20, 2.0)
	require.True(t, ok)
	assert.InDelta(t, 100.0, upper, 1e-9)
	assert.InDelta(t, 100.0, middle, 1e-9)
	assert.InDelta(t, 100.0, lower, 1e-9)
}

func TestBollingerSpread(t *testing.T) {
	t.Parallel()

	// Half at 90, half at 110: mean 100, population sigma 10
	values := make([]float64, 20)
	for i := range values {
		if i%2 == 0 {
			values[i] = 90
		} else {
			values[i] = 110
		}
	}
	upper, middle, lower, ok := Bollinger(values, 20, 2.0)
	require.True(t, ok)
	assert.InDelta(t, 100.0, middle, 1e-9)
	assert.InDelta(t, 120.0, upper, 1e-9)
	assert.InDelta(t, 80.0, lower, 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	t.Parallel()

	candles := make([]types.Candle, 20)
	for i := range candles {
		candles[i] = types.Candle{High: 105, Low: 95, Close: 100}
	}
	v, ok := ATR(candles, 14)
	require.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)

	_, ok = ATR(candles[:14], 14) // needs period+1
	assert.False(t, ok)
}

func TestMACDSignalRequiresHistory(t *testing.T) {
	t.Parallel()

	values := make([]float64, 26)
	for i := range values {
		values[i] = float64(i)
	}
	res, ok := MACD(values)
	require.True(t, ok)
	assert.False(t, res.HasSignal, "26 points gives one MACD value, not enough for 9-period signal")

	values = make([]float64, 60)
	for i := range values {
		values[i] = float64(i)
	}
	res, ok = MACD(values)
	require.True(t, ok)
	assert.True(t, res.HasSignal)
	assert.InDelta(t, res.MACD-res.Signal, res.Histogram, 1e-9)

	_, ok = MACD(values[:25])
	assert.False(t, ok)
}

func TestVolumeRatio(t *testing.T) {
	t.Parallel()

	volumes := []int64{100, 100, 100, 100, 100, 250}
	v, ok := VolumeRatio(volumes, 5)
	require.True(t, ok)
	assert.InDelta(t, 2.5, v, 1e-9)

	_, ok = VolumeRatio(volumes[:5], 5) // needs period+1
	assert.False(t, ok)
}

func TestCalculateAllShortHistory(t *testing.T) {
	t.Parallel()

	out := CalculateAll(flatCandles(10, 100, 1000))

	assert.Contains(t, out, "sma_5")
	assert.Contains(t, out, "sma_10")
	assert.NotContains(t, out, "sma_20")
	assert.NotContains(t, out, "rsi_14") // needs 15
	assert.NotContains(t, out, "ma200_slope")
	assert.InDelta(t, 100.0, out["current_close"], 1e-9)
	assert.InDelta(t, 10.0, out["data_points"], 1e-9)
}

func TestCalculateAllFullHistory(t *testing.T) {
	t.Parallel()

	out := CalculateAll(flatCandles(250, 100, 1000))

	for _, key := range []string{
		"sma_5", "sma_20", "sma_200", "ema_20", "rsi_14", "vwap",
		"bollinger_upper", "bollinger_middle", "bollinger_lower",
		"atr_14", "macd", "macd_signal", "macd_histogram",
		"volume_ratio_20", "ma200_slope",
	} {
		assert.Contains(t, out, key)
	}
	assert.InDelta(t, 0.0, out["ma200_slope"], 1e-9) // flat series has no slope
	assert.InDelta(t, 100.0, out["sma_200"], 1e-9)
}
