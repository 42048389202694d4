// Command engine is the composition root for the market screener and
// trading-signal engine: it loads configuration, wires every collaborator
// explicitly (no package-level globals), and runs until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/dispatcher"
	"market-signal-engine/internal/eventbus"
	"market-signal-engine/internal/interval"
	"market-signal-engine/internal/kline"
	"market-signal-engine/internal/logging"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/persistence"
	"market-signal-engine/internal/sandbox"
	"market-signal-engine/internal/scheduler"
	"market-signal-engine/internal/trader"
	"market-signal-engine/internal/vaultcreds"
)

// registryAdapter narrows *trader.Registry to the dispatcher.TraderSource
// interface, translating *trader.Trader into the dispatcher's own
// lightweight TraderView so the two packages stay decoupled.
type registryAdapter struct {
	reg *trader.Registry
}

func (a registryAdapter) ListActive() []dispatcher.TraderView {
	traders := a.reg.ListActive()
	out := make([]dispatcher.TraderView, 0, len(traders))
	for _, t := range traders {
		if filter := t.CompiledFilter(); filter != nil {
			out = append(out, dispatcher.TraderView{
				ID:                 t.ID,
				RequiredTimeframes: t.Filter.RequiredTimeframes,
				Filter:             filter,
			})
		}
	}
	return out
}

func (a registryAdapter) ReportError(id string, cause error, now time.Time) {
	a.reg.ReportError(id, cause, now)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LoggingConfig{Level: "info", Format: "json"}).Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	log.Info().Msg("starting market screener and signal engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := cfg.Database.URL
	if cfg.Vault.Enabled {
		vc, err := vaultcreds.New(cfg.Vault, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct vault client")
			os.Exit(1)
		}
		fetched, err := vc.PersistenceDSN(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read persistence dsn from vault, falling back to DATABASE_URL")
		} else {
			dsn = fetched
		}
	}

	store, err := persistence.NewPostgres(ctx, dsn, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to persistence")
		os.Exit(1)
	}
	defer store.Close()

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}

	bus := eventbus.New(cfg.EventBus.BufferSize, log)
	cache := kline.New(cfg.Cache.Capacity, log)
	sbx := sandbox.New(cfg.Sandbox.Concurrency, log)

	reg := trader.New(store, sbx, bus, log, cfg.Registry.PollInterval, cfg.Dispatcher.ErrorThreshold, cfg.Dispatcher.ErrorWindow)
	if err := reg.LoadAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load traders")
		os.Exit(1)
	}
	reg.StartDeletionWatcher()
	defer reg.StopDeletionWatcher()

	intervals := make([]interval.Interval, 0, len(cfg.Market.Intervals))
	for _, s := range cfg.Market.Intervals {
		iv, err := interval.Parse(s)
		if err != nil {
			log.Fatal().Err(err).Str("interval", s).Msg("invalid interval in configuration")
			os.Exit(1)
		}
		intervals = append(intervals, iv)
	}

	sched := scheduler.New(intervals, bus, log)
	sched.Start()
	defer sched.Stop()

	rest := market.NewRESTClient("https://api.binance.com")
	symbols, err := discoverSymbols(ctx, rest, cfg.Market.SymbolCount, cfg.Market.MinVolume)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to discover symbol universe")
		os.Exit(1)
	}

	stream := market.New("wss://stream.binance.com:9443", rest, cache, bus, log, cfg.Market.Intervals, cfg.Stream.ReconnectInitial, cfg.Stream.ReconnectMax)
	if err := stream.Connect(ctx, symbols); err != nil {
		log.Fatal().Err(err).Msg("failed to start stream client")
		os.Exit(1)
	}
	defer stream.Close()

	disp := dispatcher.New(cache, registryAdapter{reg: reg}, sbx, store, bus, redisClient, cfg.Dispatcher.DedupWindow, cfg.Dispatcher.ExecQueueSize, log)
	disp.Start(ctx)
	defer disp.Stop()

	go serveMetrics(log)

	log.Info().Int("symbols", len(symbols)).Int("intervals", len(intervals)).Msg("engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received, stopping")
	bus.Stop()
}

func discoverSymbols(ctx context.Context, rest *market.RESTClient, count int, minVolume float64) ([]string, error) {
	tickers, err := rest.GetTickers(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []market.Ticker24hr
	for _, t := range tickers {
		if t.QuoteVolume >= minVolume {
			filtered = append(filtered, t)
		}
	}

	for i := 0; i < len(filtered); i++ {
		for j := i + 1; j < len(filtered); j++ {
			if filtered[j].QuoteVolume > filtered[i].QuoteVolume {
				filtered[i], filtered[j] = filtered[j], filtered[i]
			}
		}
	}

	if len(filtered) > count {
		filtered = filtered[:count]
	}

	symbols := make([]string, len(filtered))
	for i, t := range filtered {
		symbols[i] = t.Symbol
	}
	return symbols, nil
}

func serveMetrics(log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Msg("serving metrics on :9090/metrics")
	if err := http.ListenAndServe(":9090", mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
