package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vitwit/pay402"
	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/config"
	"github.com/vitwit/pay402/issuer"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/server"
	"github.com/vitwit/pay402/settlement"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "pay402d:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if z, ok := log.(*logger.ZapLogger); ok {
		defer func() { _ = z.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		recorder       metrics.Recorder = metrics.NoopRecorder{}
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder, err = metrics.NewPrometheusRecorder(reg)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []pay402.Option{
		pay402.WithLogger(log),
		pay402.WithMetrics(recorder),
		pay402.WithLease(cfg.Store.Lease),
	}
	storeOpts, closeStores, err := newStores(ctx, cfg)
	if err != nil {
		ledger.Close()
		return err
	}
	defer closeStores()
	opts = append(opts, storeOpts...)

	svc, err := pay402.New(ledger, pay402.Config{
		Pricing: issuer.Config{
			CreditsPerUnit:     cfg.Pricing.CreditsPerUnit,
			MinPayment:         cfg.MinPayment(),
			MaxPayment:         cfg.MaxPayment(),
			ClaimTTL:           cfg.Pricing.ClaimTTL,
			Decimals:           cfg.Pricing.Decimals,
			Chain:              cfg.Network(),
			PayTo:              cfg.PayTo(),
			FacilitatorAddress: cfg.Chain.FacilitatorAddress,
			CreditSymbol:       cfg.Pricing.CreditSymbol,
		},
		Asset:            cfg.Chain.USDCAddress,
		Timeout:          cfg.Chain.Timeout,
		MinConfirmations: cfg.Chain.MinConfirmations,
	}, opts...)
	if err != nil {
		ledger.Close()
		return err
	}
	defer svc.Close()

	go svc.RunSweeper(ctx, cfg.Pricing.SweepInterval)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srvOpts := []server.Option{server.WithLogger(log.With(map[string]any{"component": "http"}))}
	if metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(metricsHandler))
	}
	srv := server.New(svc, server.Config{
		Address:         cfg.Server.Address,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, srvOpts...)

	log.Info("pay402d starting", map[string]any{
		"network": cfg.Chain.Network,
		"ledger":  cfg.Chain.Ledger,
		"store":   cfg.Store.Backend,
		"pay_to":  cfg.PayTo(),
		"version": pay402.Version,
	})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("pay402d stopped", nil)
	return nil
}

func newLedger(ctx context.Context, cfg *config.Config) (clients.Ledger, error) {
	switch cfg.Chain.Ledger {
	case config.LedgerMemory:
		return clients.NewMemoryLedger(clients.MemoryLedgerConfig{
			Network:        cfg.Network(),
			Asset:          cfg.Chain.USDCAddress,
			CreditsPerUnit: cfg.Pricing.CreditsPerUnit,
			AssetDecimals:  cfg.Pricing.Decimals,
		}), nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
		defer cancel()
		return clients.NewEVMClient(dialCtx, clients.EVMConfig{
			RPCURL:             cfg.Chain.RPCURL,
			Network:            cfg.Network(),
			FacilitatorAddress: cfg.Chain.FacilitatorAddress,
			TokenAddress:       cfg.Chain.TokenAddress,
			SignerKey:          cfg.Chain.SignerKey,
		})
	}
}

// newStores builds the claim and dedupe stores for the configured backend.
// Claims live in Redis for both the redis and postgres backends when Redis is
// configured; otherwise in process memory.
func newStores(ctx context.Context, cfg *config.Config) ([]pay402.Option, func(), error) {
	var (
		opts    []pay402.Option
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Store.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		opts = append(opts, pay402.WithClaimStore(issuer.NewRedisStore(rdb, "")))
		if cfg.Store.Backend == config.StoreRedis {
			opts = append(opts, pay402.WithDedupeStore(settlement.NewRedisStore(rdb, "")))
		}
	}

	if cfg.Store.Backend == config.StorePostgres {
		store, pool, err := settlement.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		opts = append(opts, pay402.WithDedupeStore(store))
	}

	return opts, closeAll, nil
}
