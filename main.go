package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketstream/bus"
	"marketstream/candles"
	"marketstream/config"
	"marketstream/db"
	"marketstream/election"
	"marketstream/hub"
	"marketstream/instruments"
	"marketstream/models"
	"marketstream/monitoring"
	"marketstream/provider"
	"marketstream/quotes"
	"marketstream/server"
	"marketstream/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := utils.NewLogger(cfg.App.LogLevel, cfg.App.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		utils.Error(logger, err, "marketstream stopped with error")
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	logger.Infow("Starting marketstream",
		"instance_id", cfg.App.InstanceID,
		"environment", cfg.App.Environment,
		"india_provider", cfg.India.Provider)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	} else {
		logger.Warnw("REDIS_URL not set, running single-instance with local delivery")
	}

	relay := bus.New(rdb, cfg.Redis.ProbeInterval, logger.Named("bus"))
	defer relay.Close()

	lease := election.New(rdb, election.Options{
		Key:      cfg.Redis.LockKey,
		ID:       cfg.App.InstanceID,
		TTL:      cfg.Redis.LockTTL,
		Interval: cfg.Redis.LeaseInterval,
	}, logger.Named("election"))

	sessions, err := candles.NewSessionClock()
	if err != nil {
		return fmt.Errorf("load US session clock: %w", err)
	}
	agg := candles.NewAggregator(
		candles.WithSessions(sessions),
		candles.WithHistory(cfg.Hub.BackfillLimit),
	)

	registry := provider.FromConfig(cfg, logger.Named("provider"))

	imap := instruments.NewMap()
	refresher := newRefresher(cfg, imap, logger.Named("instruments"))

	router := quotes.NewRouter()
	if k := quotes.NewKite(cfg.Kite.APIKey, cfg.Kite.AccessToken, logger); k != nil {
		router.Route(k, models.MarketNSE, models.MarketBSE, models.MarketNFO)
	} else {
		logger.Infow("Kite REST unavailable, polling India quotes from Yahoo")
		router.Route(quotes.NewYahoo(quotes.YahooOptions{}, logger.Named("yahoo")), models.MarketNSE, models.MarketBSE, models.MarketNFO)
	}
	if f := quotes.NewFinnhub(cfg.Finnhub.RestURL, cfg.Finnhub.APIKey, logger); f != nil {
		router.Route(f, models.MarketNYSE, models.MarketNASDAQ)
	}

	opts := hub.Options{
		Resolvers:      map[string]hub.Resolver{models.VenueIndia: imap},
		Quotes:         router,
		Bus:            relay,
		Leader:         lease,
		Aggregator:     agg,
		PollInterval:   cfg.Hub.PollInterval,
		PollTimeout:    cfg.Hub.PollTimeout,
		FlushInterval:  cfg.Hub.FlushInterval,
		HealthInterval: cfg.Hub.HealthInterval,
		BackfillLimit:  cfg.Hub.BackfillLimit,
	}
	if bars := quotes.NewAlpacaBars(cfg.Alpaca.DataURL, cfg.Alpaca.APIKey, cfg.Alpaca.SecretKey, sessions, logger); bars != nil {
		opts.Backfill = bars
	}
	h := hub.New(registry, opts, logger.Named("hub"))
	if refresher != nil {
		refresher.OnRefresh(h.Resync)
	}

	var store *db.ClickHouseDB
	if cfg.ClickHouse.Host != "" {
		store, err = db.NewClickHouseDB(ctx, db.Options{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
			Debug:    cfg.ClickHouse.Debug,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		sink := db.NewSink(store, db.SinkOptions{
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
			StoreTicks:    cfg.ClickHouse.StoreTicks,
			Leader:        lease,
		}, logger.Named("sink"))
		relay.AddListener(sink.Consume)
		if err := subscribeSink(ctx, relay, agg.Intervals(), cfg.ClickHouse.StoreTicks); err != nil {
			return err
		}
		g.Go(func() error {
			sink.Run(ctx)
			return nil
		})
	}

	ws := server.New(h, server.Options{WriteTimeout: cfg.Hub.WriteTimeout}, logger.Named("server"))
	health := newHealth(cfg, rdb, relay, lease, registry, imap, h, store)

	mux := http.NewServeMux()
	mux.Handle("/ws/quotes", ws)
	mux.Handle("/health", health)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.App.ListenAddr,
		Handler:           utils.RequestLogger(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		relay.Run(ctx)
		return nil
	})
	g.Go(func() error {
		lease.Run(ctx)
		return nil
	})
	if refresher != nil {
		g.Go(func() error {
			refresher.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		monitoring.CollectSystemMetrics(ctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Infow("HTTP server listening", "addr", cfg.App.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	registry.StartAll(ctx, logger)
	h.Start(ctx)

	<-ctx.Done()
	logger.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	h.Stop()
	registry.StopAll()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Websocket shutdown incomplete", "error", err)
	}
	h.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown incomplete", "error", err)
	}

	// Lease release and the final sink flush happen as their loops exit.
	err = g.Wait()
	logger.Infow("Shutdown complete")
	return err
}

// newRefresher picks the instrument source for the configured India
// provider, or nil when it cannot be fetched.
func newRefresher(cfg *config.Config, m *instruments.Map, logger *zap.SugaredLogger) *instruments.Refresher {
	switch cfg.India.Provider {
	case string(models.ProviderAngelOne):
		return instruments.NewRefresher(m, instruments.NewAngelSource(cfg.Angel.ScripURL), logger)
	default:
		if !cfg.KiteEnabled() {
			logger.Warnw("Kite credentials missing, India symbols will not resolve")
			return nil
		}
		return instruments.NewRefresher(m, instruments.NewKiteSource(cfg.Kite.APIKey, cfg.Kite.AccessToken), logger)
	}
}

func subscribeSink(ctx context.Context, relay *bus.Bus, intervals []string, ticks bool) error {
	for _, market := range models.Markets {
		for _, iv := range intervals {
			if err := relay.SubscribeBars(ctx, market, iv); err != nil {
				return fmt.Errorf("subscribe bars %s %s: %w", market, iv, err)
			}
		}
		if !ticks {
			continue
		}
		if err := relay.SubscribeMarket(ctx, market); err != nil {
			return fmt.Errorf("subscribe quotes %s: %w", market, err)
		}
	}
	return nil
}

func newHealth(
	cfg *config.Config,
	rdb *redis.Client,
	relay *bus.Bus,
	lease *election.Election,
	registry *provider.Registry,
	imap *instruments.Map,
	h *hub.Hub,
	store *db.ClickHouseDB,
) *monitoring.Health {
	health := monitoring.NewHealth(cfg.App.InstanceID)

	if rdb != nil {
		health.RegisterCheck("relay", relay.Available)
	}
	for _, c := range registry.All() {
		health.RegisterCheck(string(c.Name()), c.Connected)
	}
	if store != nil {
		health.RegisterCheck("clickhouse", func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(ctx) == nil
		})
	}

	health.RegisterDetail("leader", func() any { return lease.IsLeader() })
	health.RegisterDetail("instruments", func() any { return imap.Len() })
	health.RegisterDetail("primary_provider", func() any { return h.HealthPayload().PrimaryProvider })
	health.RegisterDetail("clients", func() any {
		conns, symbols := h.Stats()
		return map[string]int{"connections": conns, "symbols": symbols}
	})
	return health
}
