package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/pkg/types"
)

func flatBars(n int, close float64, volume int64) []types.Candle {
	bars := make([]types.Candle, n)
	for i := range bars {
		bars[i] = types.Candle{Open: close, High: close + 5, Low: close - 5, Close: close, Volume: volume}
	}
	return bars
}

func TestTrailingFixedPct(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopFixedPct, 100_000)

	triggered, _ := ts.UpdateAndCheck(110_000, nil)
	assert.False(t, triggered)
	assert.Equal(t, int64(110_000), ts.HighWater())

	// 5% below the new high
	triggered, reason := ts.UpdateAndCheck(104_500, nil)
	require.True(t, triggered)
	assert.Contains(t, reason, "fell 5.0%")
	assert.False(t, ts.Active())

	// A triggered stop stays quiet
	triggered, _ = ts.UpdateAndCheck(90_000, nil)
	assert.False(t, triggered)
}

func TestTrailingMovingAvg(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopMovingAvg, 100)
	bars := flatBars(25, 100, 1000)

	triggered, _ := ts.UpdateAndCheck(101, bars)
	assert.False(t, triggered)

	triggered, reason := ts.UpdateAndCheck(95, bars)
	require.True(t, triggered)
	assert.Contains(t, reason, "20-day MA")
}

func TestTrailingATR(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopATR, 1000)
	bars := flatBars(20, 100, 1000) // constant true range of 10

	// Chandelier stop = 1000 − 3×10 = 970
	triggered, _ := ts.UpdateAndCheck(975, bars)
	assert.False(t, triggered)

	triggered, reason := ts.UpdateAndCheck(960, bars)
	require.True(t, triggered)
	assert.Contains(t, reason, "chandelier")
}

func TestTrailingBearishEngulfing(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopCandlePattern, 100)
	bars := []types.Candle{
		{Open: 100, High: 111, Low: 99, Close: 110, Volume: 1000},
		{Open: 112, High: 113, Low: 97, Close: 98, Volume: 1500},
	}

	triggered, reason := ts.UpdateAndCheck(98, bars)
	require.True(t, triggered)
	assert.Contains(t, reason, "bearish engulfing")
}

func TestTrailingShootingStar(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopCandlePattern, 100)
	bars := []types.Candle{
		{Open: 95, High: 100, Low: 94, Close: 99, Volume: 1000},
		{Open: 100, High: 105, Low: 99.8, Close: 101, Volume: 1000},
	}

	triggered, reason := ts.UpdateAndCheck(101, bars)
	require.True(t, triggered)
	assert.Contains(t, reason, "shooting star")
}

func TestTrailingVolumeAnomaly(t *testing.T) {
	t.Parallel()

	ts := NewTrailingStop("005930", StopVolumeAnomaly, 100)

	bars := flatBars(20, 100, 1000)
	bars = append(bars, types.Candle{Open: 100, High: 101, Low: 96, Close: 97, Volume: 3000})

	triggered, _ := ts.UpdateAndCheck(97, bars)
	assert.True(t, triggered)

	// Same spike on an up candle does not fire
	ts2 := NewTrailingStop("005930", StopVolumeAnomaly, 100)
	up := flatBars(20, 100, 1000)
	up = append(up, types.Candle{Open: 100, High: 104, Low: 99, Close: 103, Volume: 3000})
	triggered, _ = ts2.UpdateAndCheck(103, up)
	assert.False(t, triggered)
}

func TestTrailingShortHistoryNeverFires(t *testing.T) {
	t.Parallel()

	for _, method := range []StopMethod{StopMovingAvg, StopATR, StopCandlePattern, StopVolumeAnomaly} {
		ts := NewTrailingStop("005930", method, 100)
		triggered, _ := ts.UpdateAndCheck(50, flatBars(1, 100, 1000))
		assert.False(t, triggered, "method %s fired on insufficient history", method)
	}
}
