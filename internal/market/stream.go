package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/interval"
	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/metrics"
)

// combinedFrame is the envelope Binance's combined-stream endpoint wraps
// every message in.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEventData struct {
	EventType string    `json:"e"`
	Symbol    string    `json:"s"`
	Kline     klinePart `json:"k"`
}

type klinePart struct {
	OpenTimeMillis  int64  `json:"t"`
	CloseTimeMillis int64  `json:"T"`
	Interval        string `json:"i"`
	Open            string `json:"o"`
	Close           string `json:"c"`
	High            string `json:"h"`
	Low             string `json:"l"`
	Volume          string `json:"v"`
	QuoteVolume     string `json:"q"`
	TradeCount      int64  `json:"n"`
	IsClosed        bool   `json:"x"`
	TakerBuyBase    string `json:"V"`
	TakerBuyQuote   string `json:"Q"`
}

func (k klinePart) toKline() kline.Kline {
	return kline.Kline{
		OpenTimeMillis:  k.OpenTimeMillis,
		CloseTimeMillis: k.CloseTimeMillis,
		Open:            atof(k.Open),
		High:            atof(k.High),
		Low:             atof(k.Low),
		Close:           atof(k.Close),
		Volume:          atof(k.Volume),
		QuoteVolume:     atof(k.QuoteVolume),
		TradeCount:      k.TradeCount,
		TakerBuyBase:    atof(k.TakerBuyBase),
		TakerBuyQuote:   atof(k.TakerBuyQuote),
	}
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// StreamClient maintains a single multiplexed websocket connection to the
// upstream combined-stream endpoint, feeding closed and in-progress candles
// into the kline cache and announcing closes on the event bus.
type StreamClient struct {
	wsBaseURL string
	rest      *RESTClient
	cache     *kline.Cache
	bus       *eventbus.Bus
	log       *logging.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration

	subs     *subscriptionSet
	limiter  *rate.Limiter
	healthy  atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stream client against wsBaseURL (e.g. wss://stream.binance.com:9443)
// for the given intervals, backed by rest for bootstrap and gap repair.
func New(wsBaseURL string, rest *RESTClient, cache *kline.Cache, bus *eventbus.Bus, log *logging.Logger, intervals []string, reconnectInitial, reconnectMax time.Duration) *StreamClient {
	return &StreamClient{
		wsBaseURL:        wsBaseURL,
		rest:             rest,
		cache:            cache,
		bus:              bus,
		log:              log.Component("stream_client"),
		reconnectInitial: reconnectInitial,
		reconnectMax:     reconnectMax,
		subs:             newSubscriptionSet(intervals),
		limiter:          rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Connect bootstraps candle history for symbols via REST, then opens the
// websocket connection and begins streaming. Reconnection is handled
// internally with exponential backoff for the lifetime of the client.
func (s *StreamClient) Connect(ctx context.Context, symbols []string) error {
	added := s.subs.add(symbols)
	if err := s.bootstrap(ctx, added); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// AddSymbols subscribes to additional symbols, bootstrapping their history
// first so the cache never serves an empty series once the live stream
// catches on.
func (s *StreamClient) AddSymbols(ctx context.Context, symbols []string) error {
	added := s.subs.add(symbols)
	if len(added) == 0 {
		return nil
	}
	if err := s.bootstrap(ctx, added); err != nil {
		return err
	}
	return s.resubscribe(ctx)
}

// RemoveSymbols drops symbols from the tracked subscription set.
func (s *StreamClient) RemoveSymbols(ctx context.Context, symbols []string) error {
	removed := s.subs.remove(symbols)
	if len(removed) == 0 {
		return nil
	}
	return s.resubscribe(ctx)
}

// Close terminates the stream client and waits for its goroutines to exit.
func (s *StreamClient) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Healthy reports whether the client currently considers itself connected
// and receiving frames; the same state is exported as the stream_client
// healthy gauge.
func (s *StreamClient) Healthy() bool {
	return s.healthy.Load()
}

// bootstrap fetches the most recent 500 candles for every (symbol,
// interval) pair and loads them into the cache. The count is fixed and does
// not follow the cache's configured capacity.
func (s *StreamClient) bootstrap(ctx context.Context, symbols []string) error {
	for _, sym := range symbols {
		for _, iv := range s.subs.intervals {
			candles, err := s.rest.GetKlines(ctx, sym, iv, 500)
			if err != nil {
				return fmt.Errorf("market: bootstrapping %s@%s: %w", sym, iv, err)
			}
			parsed, err := interval.Parse(iv)
			if err != nil {
				return fmt.Errorf("market: bootstrapping %s@%s: %w", sym, iv, err)
			}
			s.cache.PutAll(sym, iv, parsed.Duration().Milliseconds(), candles)
		}
	}
	return nil
}

// run owns the connect/read/reconnect loop for the lifetime of the client,
// grounded on the same backoff-with-jitter policy named in the engine's
// stream contract.
func (s *StreamClient) run(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnectInitial
	b.MaxInterval = s.reconnectMax
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connectAndRead(ctx); err != nil {
			s.healthy.Store(false)
			metrics.StreamHealthy.Set(0)
			metrics.StreamReconnects.Inc()
			wait := b.NextBackOff()
			s.log.Warn().Err(err).Dur("retry_in", wait).Msg("stream connection lost, reconnecting")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}

			// Gap-reconcile: refetch bootstrap history for every tracked
			// symbol before resuming the stream, in case candles were
			// missed while disconnected.
			if bErr := s.bootstrap(ctx, s.subs.symbolList()); bErr != nil {
				s.log.Warn().Err(bErr).Msg("gap-reconciliation refetch failed, continuing anyway")
			}
			continue
		}
		b.Reset()
	}
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	streams := s.subs.streams()
	if len(streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	url := fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, joinStreams(streams))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("market: dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.healthy.Store(true)
	metrics.StreamHealthy.Set(1)
	s.log.Info().Int("streams", len(streams)).Msg("stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("market: read failed: %w", err)
		}
		s.handleFrame(data)
	}
}

func (s *StreamClient) handleFrame(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.StreamParseErrors.Inc()
		s.log.Warn().Err(err).Msg("dropped unparseable frame")
		return
	}

	var event klineEventData
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		metrics.StreamParseErrors.Inc()
		return
	}
	if event.EventType != "kline" {
		// Ticker/other housekeeping frames never drive evaluation (candle
		// opens are authoritative); rate-limit how often we even look at
		// them to avoid wasted work under a noisy stream.
		if s.limiter.Allow() {
			s.log.Debug().Str("event_type", event.EventType).Msg("ignoring non-kline frame")
		}
		return
	}

	candle := event.Kline.toKline()
	parsed, err := interval.Parse(event.Kline.Interval)
	if err != nil {
		metrics.StreamParseErrors.Inc()
		return
	}

	s.cache.AppendOrUpdate(event.Symbol, event.Kline.Interval, parsed.Duration().Milliseconds(), candle)

	if event.Kline.IsClosed {
		s.bus.Publish(eventbus.Event{
			Kind: eventbus.KindKlineClose,
			Kline: eventbus.KlineCloseEvent{
				Symbol:     event.Symbol,
				Interval:   event.Kline.Interval,
				Kline:      candle,
				ObservedAt: time.Now(),
			},
		})
	}
}

// resubscribe tears down and reopens the connection against the current
// subscription set. The run loop's reconnect path naturally picks up the
// new stream list.
func (s *StreamClient) resubscribe(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func joinStreams(streams []string) string {
	out := ""
	for i, st := range streams {
		if i > 0 {
			out += "/"
		}
		out += st
	}
	return out
}
