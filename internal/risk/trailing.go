package risk

import (
	"fmt"
	"math"
	"sync"

	"kats-trader/internal/market"
	"kats-trader/pkg/types"
)

// StopMethod selects how a trailing stop decides to exit.
type StopMethod string

const (
	StopFixedPct      StopMethod = "FIXED_PCT"      // fixed % below the high-water mark
	StopMovingAvg     StopMethod = "MOVING_AVG"     // close below the 20-day SMA
	StopATR           StopMethod = "ATR_BASED"      // chandelier: high − 3×ATR(14)
	StopCandlePattern StopMethod = "CANDLE_PATTERN" // bearish engulfing / shooting star
	StopVolumeAnomaly StopMethod = "VOLUME_ANOMALY" // volume spike on a down candle
)

const (
	fixedStopPct      = 5.0 // FIXED_PCT distance from the high
	atrStopMultiplier = 3.0
	atrStopPeriod     = 14
	maStopPeriod      = 20
	volumeSpikeRatio  = 2.5
	volumeAvgPeriod   = 20
)

// TrailingStop tracks one open position's exit condition. UpdateAndCheck
// is fed every new price/bar; once it reports triggered the stop
// deactivates itself.
type TrailingStop struct {
	mu        sync.Mutex
	method    StopMethod
	stockCode string
	highWater int64
	active    bool
}

// NewTrailingStop arms a stop for a position entered at entryPrice.
func NewTrailingStop(stockCode string, method StopMethod, entryPrice int64) *TrailingStop {
	return &TrailingStop{
		method:    method,
		stockCode: stockCode,
		highWater: entryPrice,
		active:    true,
	}
}

// Active reports whether the stop is still armed.
func (t *TrailingStop) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// HighWater returns the highest price seen since entry.
func (t *TrailingStop) HighWater() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWater
}

// UpdateAndCheck feeds the latest price and candle history into the stop.
// Returns true with a reason when the exit condition fires; the stop then
// deactivates.
func (t *TrailingStop) UpdateAndCheck(price int64, candles []types.Candle) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false, ""
	}
	if price > t.highWater {
		t.highWater = price
	}

	triggered, reason := t.check(price, candles)
	if triggered {
		t.active = false
	}
	return triggered, reason
}

func (t *TrailingStop) check(price int64, candles []types.Candle) (bool, string) {
	switch t.method {
	case StopFixedPct:
		stop := float64(t.highWater) * (1 - fixedStopPct/100)
		if float64(price) <= stop {
			return true, fmt.Sprintf("price %d fell %.1f%% from high %d", price, fixedStopPct, t.highWater)
		}

	case StopMovingAvg:
		closes := closesOf(candles)
		ma, ok := market.SMA(closes, maStopPeriod)
		if ok && float64(price) < ma {
			return true, fmt.Sprintf("price %d below %d-day MA %.0f", price, maStopPeriod, ma)
		}

	case StopATR:
		atr, ok := simpleATR(candles, atrStopPeriod)
		if ok {
			stop := float64(t.highWater) - atrStopMultiplier*atr
			if float64(price) < stop {
				return true, fmt.Sprintf("price %d below chandelier stop %.0f (ATR %.0f)", price, stop, atr)
			}
		}

	case StopCandlePattern:
		if pattern, found := bearishPattern(candles); found {
			return true, "bearish pattern: " + pattern
		}

	case StopVolumeAnomaly:
		if volumeAnomaly(candles) {
			return true, fmt.Sprintf("volume spike ≥%.1fx average on a down candle", volumeSpikeRatio)
		}
	}

	return false, ""
}

func closesOf(candles []types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// simpleATR is the plain average of the last period true ranges, as
// opposed to the Wilder-smoothed market.ATR used for indicators.
func simpleATR(candles []types.Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}

	var sum float64
	for i := len(candles) - period; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if hc := math.Abs(c.High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(c.Low - prevClose); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period), true
}

// bearishPattern detects a bearish engulfing or shooting star on the
// latest two candles.
func bearishPattern(candles []types.Candle) (string, bool) {
	if len(candles) < 2 {
		return "", false
	}
	prev := candles[len(candles)-2]
	last := candles[len(candles)-1]

	// Bearish engulfing: an up candle fully swallowed by a down candle
	if prev.Close > prev.Open && last.Close < last.Open &&
		last.Open >= prev.Close && last.Close <= prev.Open {
		return "bearish engulfing", true
	}

	// Shooting star: long upper shadow, tiny lower shadow, small body
	body := math.Abs(last.Close - last.Open)
	upperShadow := last.High - math.Max(last.Open, last.Close)
	lowerShadow := math.Min(last.Open, last.Close) - last.Low
	candleRange := last.High - last.Low
	if candleRange > 0 && body > 0 &&
		upperShadow >= 2*body &&
		lowerShadow <= 0.3*body &&
		body/candleRange <= 0.35 {
		return "shooting star", true
	}

	return "", false
}

// volumeAnomaly reports a down candle with volume far above average.
func volumeAnomaly(candles []types.Candle) bool {
	if len(candles) < volumeAvgPeriod+1 {
		return false
	}
	last := candles[len(candles)-1]
	if last.Close >= last.Open {
		return false
	}

	var sum float64
	for _, c := range candles[len(candles)-volumeAvgPeriod-1 : len(candles)-1] {
		sum += float64(c.Volume)
	}
	avg := sum / float64(volumeAvgPeriod)
	if avg == 0 {
		return false
	}
	return float64(last.Volume) >= volumeSpikeRatio*avg
}
