// Package kline implements the bounded, per-(symbol,interval) candle cache
// (C1) and its data model.
package kline

import "math"

// Kline is a closed or in-progress OHLCV record for one (symbol, interval)
// pair. OpenTimeMillis is always a multiple of the interval's duration;
// CloseTimeMillis = OpenTimeMillis + duration - 1ms.
type Kline struct {
	OpenTimeMillis  int64
	CloseTimeMillis int64
	Open            float64
	High            float64
	Low             float64
	Close           float64
	Volume          float64
	QuoteVolume     float64
	TradeCount      int64
	TakerBuyBase    float64
	TakerBuyQuote   float64
}

// Valid reports whether k's numeric fields are finite and non-negative where
// required — the basis for the cache's malformed-candle rejection.
func (k Kline) Valid() bool {
	for _, v := range []float64{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume, k.TakerBuyBase, k.TakerBuyQuote} {
		if v < 0 || v != v || math.IsInf(v, 1) { // v != v catches NaN
			return false
		}
	}
	return k.OpenTimeMillis > 0
}

// Ticker is the last-price/volume summary carried in a Snapshot alongside a
// symbol's klines.
type Ticker struct {
	LastPrice          float64
	PriceChangePercent float64
	QuoteVolume        float64
}

// Snapshot is the immutable bundle handed to the sandbox executor (C6) for a
// single symbol's worth of data across every interval a trader requires.
type Snapshot struct {
	Symbol string
	Ticker Ticker
	Klines map[string][]Kline // interval string -> ordered candles, most-recent last
}
