package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"routeGuard/internal/aggregator"
	"routeGuard/internal/chain"
	"routeGuard/internal/config"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/hints"
	"routeGuard/internal/liquidity"
	"routeGuard/internal/metrics"
	"routeGuard/internal/ratelimit"
	"routeGuard/internal/route"
	"routeGuard/internal/storage"
	"routeGuard/internal/storage/postgres"
	"routeGuard/internal/storage/sqlite"
	"routeGuard/internal/swap"
	"routeGuard/internal/venue"
	"routeGuard/internal/wallet"
)

// infra is the part of the stack every command needs.
type infra struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *endpoint.Pool
	limiter  *ratelimit.Limiter
	ledger   storage.Storage
	reader   storage.Reader
	closers  []func()
}

func newInfra(ctx context.Context, cfg config.Config, logger *zap.Logger) (*infra, error) {
	if len(cfg.Pool.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	in := &infra{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	in.metrics = metrics.New(in.registry)

	dialer := chain.RetryingDialer{Retry: cfg.RPCRetry, Logger: logger.Named("rpc")}
	pool, err := endpoint.NewPool(cfg.Pool, dialer,
		endpoint.WithLogger(logger.Named("pool")),
		endpoint.WithObserver(in.metrics))
	if err != nil {
		return nil, err
	}
	in.pool = pool
	in.closers = append(in.closers, pool.Close)

	limiterCfg := cfg.Limiter
	if cfg.Aggregator.APIKey != "" && limiterCfg.Tier == "free" {
		if _, ok := limiterCfg.Tiers["keyed"]; ok {
			limiterCfg.Tier = "keyed"
		}
	}
	limiter, err := ratelimit.New(limiterCfg,
		ratelimit.WithLogger(logger.Named("ratelimit")),
		ratelimit.WithObserver(in.metrics))
	if err != nil {
		in.close()
		return nil, err
	}
	in.limiter = limiter
	in.registry.MustRegister(metrics.NewBucketCollector(limiter.Status))

	if err := in.openLedger(ctx); err != nil {
		in.close()
		return nil, err
	}
	return in, nil
}

func (in *infra) openLedger(ctx context.Context) error {
	switch in.cfg.Ledger.Driver {
	case "", "none":
	case "jsonl":
		store := storage.NewJsonlStorage(in.cfg.Ledger.Path)
		in.ledger, in.reader = store, store
	case "sqlite":
		store, err := sqlite.Open(in.cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open sqlite ledger: %w", err)
		}
		in.ledger, in.reader = store, store
		in.closers = append(in.closers, func() { _ = store.Close() })
	case "postgres":
		store, err := postgres.NewStore(ctx, in.cfg.Ledger.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres ledger: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		in.ledger, in.reader = store, store
		in.closers = append(in.closers, store.Close)
	default:
		return fmt.Errorf("unknown ledger driver: %s", in.cfg.Ledger.Driver)
	}
	return nil
}

func (in *infra) close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// newOrchestrator wires the full swap path on top of in.
func newOrchestrator(ctx context.Context, in *infra) (*swap.Orchestrator, error) {
	cfg, logger := in.cfg, in.logger

	signer, err := wallet.NewKeySigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}
	agg, err := aggregator.New(cfg.Aggregator, in.limiter, logger.Named("aggregator"))
	if err != nil {
		return nil, err
	}
	executor, err := swap.NewExecutor(in.pool, signer, cfg.Executor, logger.Named("executor"))
	if err != nil {
		return nil, err
	}

	conn := in.pool.Connection()
	venues := make([]venue.Client, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		v, err := venue.NewV2Router(vc, conn, venue.WithLogger(logger.Named("venue")))
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}

	var discovery liquidity.Discovery
	if cfg.Liquidity.BaseURL != "" {
		client, err := liquidity.New(cfg.Liquidity, logger.Named("liquidity"))
		if err != nil {
			return nil, err
		}
		discovery = client
	}

	var store hints.Store
	if cfg.Hints.RedisAddr != "" {
		redisStore, err := hints.NewRedisStore(ctx, cfg.Hints.RedisAddr, cfg.Hints.RedisPassword, cfg.Hints.RedisDB, cfg.Hints.TTL)
		if err != nil {
			return nil, fmt.Errorf("connect hint store: %w", err)
		}
		in.closers = append(in.closers, func() { _ = redisStore.Close() })
		store = redisStore
	} else {
		store = hints.NewMemoryStore(cfg.Hints.TTL, nil)
	}

	return swap.New(cfg.Swap, swap.Deps{
		Pool:       in.pool,
		Limiter:    in.limiter,
		Resolver:   route.New(agg, cfg.Route, logger.Named("route")),
		Aggregator: agg,
		Executor:   executor,
		Venues:     venues,
		Checker:    liquidity.NewChecker(discovery, cfg.MinLiquidityUSD, logger.Named("liquidity")),
		Hints:      hints.WithOverrides(cfg.VenueOverrides, store),
		Ledger:     in.ledger,
		Observer:   in.metrics,
	}, swap.WithLogger(logger.Named("swap")))
}
