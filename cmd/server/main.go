package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/api"
	"odds-market/internal/config"
	"odds-market/internal/feed"
	"odds-market/internal/ledger"
	"odds-market/internal/logger"
	"odds-market/internal/market"
	"odds-market/internal/monitor"
	"odds-market/internal/pubsub"
	"odds-market/internal/settle"
	"odds-market/internal/store"
	"odds-market/internal/wager"
	"odds-market/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	log, err := logger.New("odds-market", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(cfg.MigrationsDir); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Info("using in-memory store")
	}

	hub := ws.NewHub(cfg.JWTSecret, log)

	// Broadcast path: with redis every publish goes through the shared
	// channel and the subscriber replays it into the local hub, so all
	// instances see all messages exactly once. Without redis the hub is
	// fed directly.
	publish := pubsub.PublishFunc(hub.Publish)
	if cfg.RedisAddr != "" {
		rdb, err := pubsub.ConnectRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err))
		}
		defer rdb.Close()
		publish = pubsub.NewBroadcaster(rdb, log).Publish
		pubsub.StartSubscriber(ctx, rdb, hub.Publish, log)
		log.Info("redis broadcast enabled", zap.String("addr", cfg.RedisAddr))
	}

	balances := ledger.New(st, log)
	registry := market.NewRegistry(st, log)
	wagers := wager.New(st, balances, log)
	engine := settle.NewEngine(st, balances, publish, log)

	go monitor.New(registry, publish, cfg.MonitorInterval, log).Run(ctx)

	if cfg.FeedEnabled {
		go feed.NewSyncer(registry, cfg.FeedURL, cfg.FeedTimeout, cfg.FeedInterval, log).Run(ctx)
	}

	server := api.NewServer(st, balances, registry, wagers, engine, hub, publish,
		cfg.JWTSecret, cfg.SeedBalanceCents, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	log.Info("server stopped")
}
