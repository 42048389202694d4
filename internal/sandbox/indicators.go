package sandbox

import (
	"math"

	"market-signal-engine/internal/kline"
)

// This file adapts the teacher's indicator library to the new candle type
// and the whitelisted naming the sandboxed symbol table exposes to trader
// code. Each function is pure: klines in, numbers out, no I/O, no clock.

// SMA computes the simple moving average of the last period closes.
func SMA(klines []kline.Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA computes the exponential moving average over period, seeded by the
// SMA of the first period candles.
func EMA(klines []kline.Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}
	multiplier := 2.0 / float64(period+1)
	ema := SMA(klines[:period], period)
	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// RSI computes the Relative Strength Index over period. Returns 50 (neutral)
// when there isn't enough history.
func RSI(klines []kline.Kline, period int) float64 {
	if len(klines) < period+1 || period <= 0 {
		return 50.0
	}
	gains, losses := 0.0, 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult holds the MACD line, its signal line, and their difference.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes MACD/signal/histogram from fast and slow EMAs. The signal
// line is approximated from the current MACD value since the sandbox works
// off a single snapshot rather than a maintained MACD history.
func MACD(klines []kline.Kline, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(klines) < slowPeriod+signalPeriod {
		return MACDResult{}
	}
	fastEMA := EMA(klines, fastPeriod)
	slowEMA := EMA(klines, slowPeriod)
	macdLine := fastEMA - slowEMA
	signalLine := macdLine * 0.8
	return MACDResult{MACD: macdLine, Signal: signalLine, Histogram: macdLine - signalLine}
}

// BollingerBandsResult holds the upper, middle (SMA), and lower bands.
type BollingerBandsResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// BollingerBands computes Bollinger Bands over period with the given
// standard-deviation multiplier.
func BollingerBands(klines []kline.Kline, period int, stdDevMultiplier float64) BollingerBandsResult {
	if len(klines) < period {
		return BollingerBandsResult{}
	}
	middle := SMA(klines, period)
	variance := 0.0
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		diff := klines[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return BollingerBandsResult{
		Upper:  middle + stdDev*stdDevMultiplier,
		Middle: middle,
		Lower:  middle - stdDev*stdDevMultiplier,
	}
}

// ATR computes the Average True Range over period.
func ATR(klines []kline.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}
	trSum := 0.0
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}

// StochasticResult holds %K and %D.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic computes the stochastic oscillator over kPeriod.
func Stochastic(klines []kline.Kline, kPeriod, dPeriod int) StochasticResult {
	if len(klines) < kPeriod {
		return StochasticResult{K: 50, D: 50}
	}
	start := len(klines) - kPeriod
	highestHigh, lowestLow := klines[start].High, klines[start].Low
	for i := start; i < len(klines); i++ {
		if klines[i].High > highestHigh {
			highestHigh = klines[i].High
		}
		if klines[i].Low < lowestLow {
			lowestLow = klines[i].Low
		}
	}
	currentClose := klines[len(klines)-1].Close
	percentK := 0.0
	if highestHigh != lowestLow {
		percentK = ((currentClose - lowestLow) / (highestHigh - lowestLow)) * 100
	}
	return StochasticResult{K: percentK, D: percentK * 0.9}
}

// ADX approximates the Average Directional Index from ATR-scaled price
// range, since a full +DI/-DI implementation needs more state than a single
// snapshot carries.
func ADX(klines []kline.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}
	atr := ATR(klines, period)
	if atr == 0 {
		return 0
	}
	priceRange := klines[len(klines)-1].High - klines[len(klines)-1].Low
	adx := (priceRange / atr) * 25
	if adx > 100 {
		adx = 100
	}
	return adx
}

// AverageVolume computes mean volume over period, clamped to available history.
func AverageVolume(klines []kline.Kline, period int) float64 {
	if period <= 0 {
		return 0
	}
	if len(klines) < period {
		period = len(klines)
	}
	if period == 0 {
		return 0
	}
	sum := 0.0
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period)
}

// IsVolumeSpike reports whether the latest candle's volume exceeds the prior
// average by multiplier.
func IsVolumeSpike(klines []kline.Kline, period int, multiplier float64) bool {
	if len(klines) < period+1 {
		return false
	}
	avgVolume := AverageVolume(klines[:len(klines)-1], period)
	currentVolume := klines[len(klines)-1].Volume
	return currentVolume >= avgVolume*multiplier
}

// Momentum computes percentage price change over period candles.
func Momentum(klines []kline.Kline, period int) float64 {
	if len(klines) < period+1 || period <= 0 {
		return 0
	}
	currentPrice := klines[len(klines)-1].Close
	pastPrice := klines[len(klines)-period-1].Close
	if pastPrice == 0 {
		return 0
	}
	return ((currentPrice - pastPrice) / pastPrice) * 100
}

// ROC is an alias for Momentum, matching conventional indicator naming.
func ROC(klines []kline.Kline, period int) float64 {
	return Momentum(klines, period)
}

// FibonacciLevelsResult holds the standard Fibonacci retracement levels
// between the period's high and low.
type FibonacciLevelsResult struct {
	Level0   float64
	Level236 float64
	Level382 float64
	Level50  float64
	Level618 float64
	Level100 float64
}

// FibonacciLevels computes retracement levels over period.
func FibonacciLevels(klines []kline.Kline, period int) FibonacciLevelsResult {
	if len(klines) < period {
		return FibonacciLevelsResult{}
	}
	start := len(klines) - period
	high, low := klines[start].High, klines[start].Low
	for i := start; i < len(klines); i++ {
		if klines[i].High > high {
			high = klines[i].High
		}
		if klines[i].Low < low {
			low = klines[i].Low
		}
	}
	diff := high - low
	return FibonacciLevelsResult{
		Level0:   high,
		Level236: high - diff*0.236,
		Level382: high - diff*0.382,
		Level50:  high - diff*0.50,
		Level618: high - diff*0.618,
		Level100: low,
	}
}

// SupportResistance returns the low/high of the last period candles.
func SupportResistance(klines []kline.Kline, period int) (support float64, resistance float64) {
	if len(klines) < period {
		return 0, 0
	}
	start := len(klines) - period
	high, low := klines[start].High, klines[start].Low
	for i := start; i < len(klines); i++ {
		if klines[i].High > high {
			high = klines[i].High
		}
		if klines[i].Low < low {
			low = klines[i].Low
		}
	}
	return low, high
}

// PivotPointsResult holds the standard pivot and its three support/resistance
// levels above and below.
type PivotPointsResult struct {
	PP float64
	R1 float64
	R2 float64
	R3 float64
	S1 float64
	S2 float64
	S3 float64
}

// PivotPoints computes standard pivot points from the most recent candle.
func PivotPoints(klines []kline.Kline) PivotPointsResult {
	if len(klines) == 0 {
		return PivotPointsResult{}
	}
	last := klines[len(klines)-1]
	high, low, closePrice := last.High, last.Low, last.Close
	pp := (high + low + closePrice) / 3
	return PivotPointsResult{
		PP: pp,
		R1: (2 * pp) - low,
		R2: pp + (high - low),
		R3: high + 2*(pp-low),
		S1: (2 * pp) - high,
		S2: pp - (high - low),
		S3: low - 2*(high-pp),
	}
}
