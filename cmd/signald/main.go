// signald is the trading signal daemon: it generates consensus signals,
// distributes them to executors over NATS, enforces risk limits, and serves
// the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pulsetrade/pulse/internal/adapters"
	"github.com/pulsetrade/pulse/internal/alerts"
	"github.com/pulsetrade/pulse/internal/api"
	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/consensus"
	"github.com/pulsetrade/pulse/internal/distributor"
	"github.com/pulsetrade/pulse/internal/executor"
	"github.com/pulsetrade/pulse/internal/generator"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/risk"
	sigid "github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
	"github.com/pulsetrade/pulse/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./configs/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "signald:", err)
		os.Exit(1)
	}
}

// lateBars lets the technical adapter read candle history from the
// generator, which is constructed after the adapters.
type lateBars struct {
	gen *generator.Generator
}

func (b *lateBars) History(symbol string) *market.History {
	if b.gen == nil {
		return nil
	}
	return b.gen.History(symbol)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("signald")
	log.Info().Str("version", cfg.App.Version).Str("environment", cfg.App.Environment).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets, err := config.NewSecretResolver()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	var sinks []alerts.Sink
	if cfg.Alerts.TelegramEnabled {
		token, terr := secrets.Resolve(ctx, cfg.Alerts.TokenRef)
		if terr != nil {
			return fmt.Errorf("telegram token: %w", terr)
		}
		tg, terr := alerts.NewTelegramSink(token, cfg.Alerts.TelegramChatID)
		if terr != nil {
			return terr
		}
		sinks = append(sinks, tg)
	}
	alerter := alerts.NewManager(sinks...)

	calendar := market.NewCalendar(cfg.Features.Force247Mode)

	mdCfg := cfg.Sources["marketdata"]
	mdKey := secrets.ResolveOptional(ctx, mdCfg.APIKeyRef)
	md := adapters.NewMarketDataAdapter(mdCfg, mdKey, config.NewAdapterLogger("marketdata"))

	bars := &lateBars{}
	var adps []adapters.Adapter
	if cfg.Sources["technical"].Enabled {
		adps = append(adps, adapters.NewTechnicalAdapter(cfg.Sources["technical"], bars, config.NewAdapterLogger("technical")))
	}
	if mdCfg.Enabled {
		adps = append(adps, md)
	}
	if sc := cfg.Sources["sentiment"]; sc.Enabled {
		key := secrets.ResolveOptional(ctx, sc.APIKeyRef)
		adps = append(adps, adapters.NewSentimentAdapter(sc, key, calendar, config.NewAdapterLogger("sentiment")))
	}
	registry := adapters.NewRegistry(md, adps...)

	detector := regime.NewDetector(cfg.Regime, config.NewLogger("regime"))

	versions := strategy.NewRegistry()
	if err := versions.Activate(cfg.App.StrategyVersion); err != nil {
		return err
	}

	holder := consensus.NewHolder()
	engine := consensus.NewEngine(cfg.Consensus, cfg.Sources, versions.Active(), md, md, holder, sigid.NewIDGenerator())

	binance.UseTestnet = cfg.Broker.Testnet
	feed := &generator.SplitFeed{
		Crypto: generator.NewBinanceFeed(binance.NewClient("", "")),
		Stock:  generator.NewVendorFeed(mdCfg.Endpoint, mdKey, mdCfg.Timeout),
	}

	gen, err := generator.New(cfg.Generation, calendar, feed, registry, detector, engine, db)
	if err != nil {
		return err
	}
	bars.gen = gen

	cache := risk.NewSnapshotCache(rdb, cfg.Risk)
	guard := risk.NewGuard(cfg.Executors, cfg.Risk, db, cache, alerter)
	publisher := risk.NewSnapshotPublisher(cfg.Executors, cfg.Risk, db, cache, md)

	dist := distributor.New(cfg.Executors, cfg.NATS, db, nc)

	executors := make(map[string]*executor.Executor, len(cfg.Executors))
	var execList []*executor.Executor
	for id, ecfg := range cfg.Executors {
		var broker executor.Broker
		if cfg.Features.AutoExecute && ecfg.BrokerCredsRef != "" {
			key, kerr := secrets.Resolve(ctx, ecfg.BrokerCredsRef+"#api_key")
			sec, serr := secrets.Resolve(ctx, ecfg.BrokerCredsRef+"#api_secret")
			if kerr == nil && serr == nil {
				broker = executor.NewBinanceBroker(binance.NewClient(key, sec), cfg.Broker)
			} else {
				log.Warn().Str("executor", id).Msg("broker credentials unresolved, using simulator")
			}
		}
		if broker == nil {
			broker = executor.NewSimulatedBroker(md.LastPrice)
		}
		ex := executor.New(id, ecfg, cfg.Broker, cfg.Features, broker, guard, db)
		executors[id] = ex
		execList = append(execList, ex)
	}

	recon := executor.NewReconciler(db, md, execList, cfg.Generation.SignalTTL, cfg.Risk.MonitorInterval)

	server := api.New(cfg.API, cfg.App, cfg.Features, db, guard, executors, versions, nc)

	grp, gctx := errgroup.WithContext(ctx)

	// Executors must be listening before the distributor publishes its
	// first batch, or a startup signal is dropped while the cursor moves.
	for id, ex := range executors {
		sub, serr := ex.Subscribe(gctx, nc, dist.Subject(id))
		if serr != nil {
			return serr
		}
		defer sub.Unsubscribe()
	}

	grp.Go(func() error { alerter.Run(gctx); return nil })
	grp.Go(func() error { return gen.Run(gctx) })
	grp.Go(func() error { return dist.Run(gctx) })
	grp.Go(func() error { return guard.Run(gctx) })
	grp.Go(func() error { return publisher.Run(gctx) })
	grp.Go(func() error { return recon.Run(gctx) })
	grp.Go(func() error { return server.Start() })
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	log.Info().Int("executors", len(executors)).Int("sources", len(adps)).Msg("all components running")
	return grp.Wait()
}
