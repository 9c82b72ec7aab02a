// indicators.go computes technical indicators from OHLCV candles.
//
// All functions take chronological data (oldest first) and report ok=false
// when there is not enough history. RSI and ATR use Wilder smoothing, so
// they need period+1 data points for the seed average plus one delta.
package market

import (
	"fmt"
	"math"

	"kats-trader/pkg/types"
)

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average of the last value, seeded with
// the SMA of the first period values and a 2/(period+1) multiplier.
func EMA(values []float64, period int) (float64, bool) {
	series := emaSeries(values, period)
	if len(series) == 0 {
		return 0, false
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

// emaSeries returns the full EMA series, NaN-padded for the first period-1
// positions where no value is defined.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	series := make([]float64, len(values))
	for i := 0; i < period-1; i++ {
		series[i] = math.NaN()
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	series[period-1] = seed

	mult := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*mult + prev
		series[i] = prev
	}
	return series
}

// RSI returns the Wilder-smoothed relative strength index.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// VWAP returns the volume-weighted average price over the candles, using
// the typical price (H+L+C)/3 per candle.
func VWAP(candles []types.Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// Bollinger returns the Bollinger bands over the last period closes with k
// population standard deviations.
func Bollinger(closes []float64, period int, k float64) (upper, middle, lower float64, ok bool) {
	middle, ok = SMA(closes, period)
	if !ok {
		return 0, 0, 0, false
	}

	var variance float64
	for _, v := range closes[len(closes)-period:] {
		d := v - middle
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(period))
	return middle + k*sigma, middle, middle - k*sigma, true
}

// ATR returns the Wilder-smoothed average true range.
func ATR(candles []types.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if hc := math.Abs(c.High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(c.Low - prevClose); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}

	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// MACDResult holds the MACD line and, when enough history exists for the
// 9-period signal EMA, the signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
	HasSignal bool
}

// MACD returns the 12/26/9 moving average convergence divergence.
func MACD(closes []float64) (MACDResult, bool) {
	const fast, slow, signal = 12, 26, 9

	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)
	if slowSeries == nil {
		return MACDResult{}, false
	}

	macdSeries := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		macdSeries = append(macdSeries, fastSeries[i]-slowSeries[i])
	}

	res := MACDResult{MACD: macdSeries[len(macdSeries)-1]}
	if sig, ok := EMA(macdSeries, signal); ok {
		res.Signal = sig
		res.Histogram = res.MACD - sig
		res.HasSignal = true
	}
	return res, true
}

// VolumeRatio returns the latest volume divided by the average of the
// previous period volumes (excluding the latest).
func VolumeRatio(volumes []int64, period int) (float64, bool) {
	if period <= 0 || len(volumes) < period+1 {
		return 0, false
	}

	var sum float64
	for _, v := range volumes[len(volumes)-period-1 : len(volumes)-1] {
		sum += float64(v)
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 0, false
	}
	return float64(volumes[len(volumes)-1]) / avg, true
}

// CalculateAll computes the standard indicator set from daily candles.
// Only indicators with enough history appear in the result map.
func CalculateAll(candles []types.Candle) map[string]float64 {
	out := make(map[string]float64)
	if len(candles) == 0 {
		return out
	}

	closes := make([]float64, len(candles))
	volumes := make([]int64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	for _, period := range []int{5, 10, 20, 50, 150, 200} {
		if v, ok := SMA(closes, period); ok {
			out[fmt.Sprintf("sma_%d", period)] = v
		}
	}
	for _, period := range []int{5, 10, 20, 50} {
		if v, ok := EMA(closes, period); ok {
			out[fmt.Sprintf("ema_%d", period)] = v
		}
	}
	if v, ok := RSI(closes, 14); ok {
		out["rsi_14"] = v
	}
	if v, ok := VWAP(candles); ok {
		out["vwap"] = v
	}
	if upper, middle, lower, ok := Bollinger(closes, 20, 2.0); ok {
		out["bollinger_upper"] = upper
		out["bollinger_middle"] = middle
		out["bollinger_lower"] = lower
	}
	if v, ok := ATR(candles, 14); ok {
		out["atr_14"] = v
	}
	if macd, ok := MACD(closes); ok {
		out["macd"] = macd.MACD
		if macd.HasSignal {
			out["macd_signal"] = macd.Signal
			out["macd_histogram"] = macd.Histogram
		}
	}
	if v, ok := VolumeRatio(volumes, 20); ok {
		out["volume_ratio_20"] = v
	}

	// 200-day MA slope over the last 20 sessions, for trend filters
	if len(closes) >= 220 {
		now, _ := SMA(closes, 200)
		then, _ := SMA(closes[:len(closes)-20], 200)
		out["ma200_slope"] = now - then
	}

	out["current_close"] = closes[len(closes)-1]
	out["current_volume"] = float64(volumes[len(volumes)-1])
	out["data_points"] = float64(len(candles))
	return out
}
