// monitord watches the configured chains for deposits to the collection
// wallet and reconciles them against open orders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecerlabs/chainpay/internal/adapter"
	evmadapter "github.com/ecerlabs/chainpay/internal/adapter/evm"
	soladapter "github.com/ecerlabs/chainpay/internal/adapter/solana"
	tronadapter "github.com/ecerlabs/chainpay/internal/adapter/tron"
	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/config"
	"github.com/ecerlabs/chainpay/internal/dedupe"
	"github.com/ecerlabs/chainpay/internal/notify"
	"github.com/ecerlabs/chainpay/internal/order"
	"github.com/ecerlabs/chainpay/internal/platform/storage"
	"github.com/ecerlabs/chainpay/internal/price"
	"github.com/ecerlabs/chainpay/internal/reconcile"
)

func main() {
	configPath := flag.String("config", "monitord.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "override config log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitord: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)

	logger.Info("starting deposit monitor", "config", *configPath, "watchers", len(cfg.Watchers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	for _, w := range cfg.Watchers {
		c, _ := chain.ParseChain(w.Chain)
		// Two watchers sharing (chain, wallet) land in one subscription, so a
		// duplicate here is expected; anything else is fatal.
		if err := app.orchestrator.Subscribe(ctx, c, w.Wallet); err != nil && !isAlreadySubscribed(err) {
			logger.Error("subscribe failed", "chain", w.Chain, "wallet", w.Wallet, "error", err)
			os.Exit(1)
		}
	}

	control := newControlServer(app.orchestrator, logger)
	srv := &http.Server{
		Addr:              cfg.Control.Addr,
		Handler:           control,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control server listening", "addr", cfg.Control.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	app.orchestrator.Shutdown()
	logger.Info("deposit monitor shutdown complete")
}

// app holds the wired process-lifetime resources.
type app struct {
	orchestrator *reconcile.Orchestrator

	db    *storage.DB
	bus   *notify.Bus
	redis *dedupe.RedisStore
}

func (a *app) Close() {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	var orders order.Store
	if cfg.Database.Host != "" {
		db, err := storage.New(ctx, storage.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		orders = storage.NewOrderStore(db)
	} else {
		logger.Warn("no database configured, using in-memory order store")
		orders = order.NewMemoryStore()
	}

	bus, err := notify.ConnectBus(ctx, notify.BusConfig{
		URL:            cfg.Bus.URL,
		Name:           cfg.Bus.Name,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.bus = bus

	var telegram *notify.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram, err = notify.NewTelegram(notify.TelegramConfig{
			BotToken:    cfg.Telegram.BotToken,
			AdminChatID: cfg.Telegram.AdminChatID,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn("telegram not configured, admin alerts disabled")
	}
	notifier := notify.NewService(telegram, bus)

	newDedupe := func(name string) (dedupe.Store, error) {
		return dedupe.NewMemoryStore(), nil
	}
	if cfg.Redis.Addr != "" {
		redisStore, err := dedupe.NewRedisStore(dedupe.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: "chainpay:",
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = redisStore
		newDedupe = func(name string) (dedupe.Store, error) {
			return redisStore, nil
		}
	}

	var oracle reconcile.PriceOracle
	if cfg.Price.Enabled {
		oracle = price.New(price.Config{Currency: cfg.Price.Currency, TTL: cfg.Price.TTL}, logger)
	}

	// The factory resolves (chain, wallet) back to the configured watchers so
	// the control surface can resubscribe a pair after an unsubscribe.
	factory := func(c chain.Chain, wallet string) ([]*reconcile.Listener, error) {
		var listeners []*reconcile.Listener
		for _, w := range cfg.Watchers {
			wc, err := chain.ParseChain(w.Chain)
			if err != nil || wc != c || !chain.SameWallet(w.Wallet, wallet) {
				continue
			}

			ad, err := buildAdapter(w, logger)
			if err != nil {
				return nil, err
			}
			ds, err := newDedupe(ad.Name())
			if err != nil {
				return nil, err
			}
			listeners = append(listeners, reconcile.NewListener(ad, reconcile.Deps{
				Orders:    orders,
				Dedupe:    ds,
				Notifier:  notifier,
				Disburser: bus,
				Oracle:    oracle,
				Logger:    logger,
			}))
		}
		if len(listeners) == 0 {
			return nil, fmt.Errorf("no watcher configured for %s/%s", c, wallet)
		}
		return listeners, nil
	}

	a.orchestrator = reconcile.NewOrchestrator(factory, logger)
	return a, nil
}

func buildAdapter(w config.WatcherConfig, logger *slog.Logger) (adapter.Adapter, error) {
	c, err := chain.ParseChain(w.Chain)
	if err != nil {
		return nil, err
	}
	asset, err := chain.ParseAsset(w.Asset)
	if err != nil {
		return nil, err
	}

	switch {
	case c.EVM() && asset == chain.AssetNative:
		return evmadapter.NewNative(evmadapter.Config{
			Chain:        c,
			RPCURL:       w.RPCURL,
			WSURL:        w.WSURL,
			Wallet:       w.Wallet,
			PollInterval: w.PollInterval,
		}, logger)
	case c.EVM():
		return evmadapter.NewERC20(evmadapter.Config{
			Chain:        c,
			RPCURL:       w.RPCURL,
			Wallet:       w.Wallet,
			TokenAddress: w.TokenAddress,
			PollInterval: w.PollInterval,
		}, asset, logger)
	case c == chain.ChainSolana && asset == chain.AssetNative:
		return soladapter.NewNative(soladapter.Config{
			RPCURL: w.RPCURL,
			WSURL:  w.WSURL,
			Wallet: w.Wallet,
		}, logger)
	case c == chain.ChainSolana:
		return soladapter.NewSPL(soladapter.Config{
			RPCURL:       w.RPCURL,
			WSURL:        w.WSURL,
			Wallet:       w.Wallet,
			TokenAccount: w.TokenAccount,
			TokenMint:    w.TokenMint,
		}, asset, logger)
	case c == chain.ChainTron:
		return tronadapter.New(tronadapter.Config{
			NodeURL:       w.RPCURL,
			Wallet:        w.Wallet,
			TokenContract: w.TokenAddress,
			PollInterval:  w.PollInterval,
		}, asset, logger)
	default:
		return nil, fmt.Errorf("no adapter for %s/%s", w.Chain, w.Asset)
	}
}

func isAlreadySubscribed(err error) bool {
	return errors.Is(err, reconcile.ErrAlreadySubscribed)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
