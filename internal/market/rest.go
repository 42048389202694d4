// Package market implements the upstream market-data boundary (C2): a REST
// client for bootstrap/gap-repair fetches and a multiplexed websocket
// stream client that keeps the kline cache current.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"market-signal-engine/internal/kline"
)

// RESTClient fetches bootstrap candle history and ticker snapshots. It
// carries no credentials and issues only public market-data endpoints — the
// engine never places orders.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRESTClient builds a client against baseURL (e.g. https://api.binance.com).
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKlines fetches up to limit historical candles for (symbol, interval),
// oldest first — the bootstrap and gap-reconciliation path the stream
// client calls before subscribing and after a reconnect.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]kline.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/klines?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("market: parsing klines: %w", err)
	}

	out := make([]kline.Kline, len(raw))
	for i, r := range raw {
		out[i] = kline.Kline{
			OpenTimeMillis:  int64(r[0].(float64)),
			Open:            parseFloat(r[1]),
			High:            parseFloat(r[2]),
			Low:             parseFloat(r[3]),
			Close:           parseFloat(r[4]),
			Volume:          parseFloat(r[5]),
			CloseTimeMillis: int64(r[6].(float64)),
			QuoteVolume:     parseFloat(r[7]),
			TradeCount:      int64(r[8].(float64)),
			TakerBuyBase:    parseFloat(r[9]),
			TakerBuyQuote:   parseFloat(r[10]),
		}
	}
	return out, nil
}

// Ticker24hr is the subset of the 24hr ticker statistics endpoint the
// engine needs to build snapshots.
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// GetTickers fetches the 24hr ticker for every symbol, used to build the
// symbol universe. Snapshot Ticker fields are not filled from it.
func (c *RESTClient) GetTickers(ctx context.Context) ([]Ticker24hr, error) {
	body, err := c.get(ctx, "/api/v3/ticker/24hr")
	if err != nil {
		return nil, err
	}
	var tickers []Ticker24hr
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("market: parsing tickers: %w", err)
	}
	return tickers, nil
}

func (c *RESTClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("market: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("market: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market: upstream returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
