package main

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"stopguard/internal/breaker"
	"stopguard/internal/config"
	"stopguard/internal/domain"
	"stopguard/internal/engine"
	"stopguard/internal/exchange/binance"
	"stopguard/internal/exchange/paper"
	"stopguard/internal/feed"
	"stopguard/internal/orchestrator"
	chstore "stopguard/internal/storage/clickhouse"
	"stopguard/internal/storage/memory"
	"stopguard/internal/storage/migrations"
	pgstore "stopguard/internal/storage/postgres"
)

// app holds the stores and adapters built from the config for one command.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	stores engine.Stores

	pool   *pgstore.Pool
	chConn *chstore.Conn
}

// openApp connects the primary stores. The archive is only connected when
// withArchive is set and a ClickHouse DSN is configured.
func openApp(ctx context.Context, cfg *config.Config, logger *log.Logger, withArchive, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Postgres.DSN == "" {
		logger.Printf("no postgres DSN configured; using in-memory stores (state is lost on exit)")
		a.stores = engine.Stores{
			Events:      memory.NewStopEventStore(),
			Projections: memory.NewProjectionStore(),
			Claims:      memory.NewClaimStore(),
			Breakers:    memory.NewCircuitBreakerStore(),
			Positions:   memory.NewPositionStore(),
			Progress:    memory.NewExportProgressStore(),
		}
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.pool = pool
		if migrate {
			if _, err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
				a.close()
				return nil, err
			}
		}
		a.stores = engine.Stores{
			Events:      pgstore.NewStopEventStore(pool),
			Projections: pgstore.NewProjectionStore(pool),
			Claims:      pgstore.NewClaimStore(pool),
			Breakers:    pgstore.NewCircuitBreakerStore(pool),
			Positions:   pgstore.NewPositionStore(pool),
			Progress:    pgstore.NewExportProgressStore(pool),
		}
	}

	if withArchive && cfg.ClickHouse.DSN != "" {
		var (
			conn *chstore.Conn
			err  error
		)
		if migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Database, logger)
		} else {
			conn, err = chstore.NewConnWithDatabase(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Database)
		}
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		a.chConn = conn
		a.stores.Archive = chstore.NewStopEventArchive(conn)
	}

	return a, nil
}

func (a *app) close() {
	if a.chConn != nil {
		a.chConn.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// sources selects which price sources the engine gets.
type sources struct {
	stream bool
	poll   bool
}

// newEngine builds the engine with the configured exchange adapter. Commands
// that never execute pass execute=false and get a paper exchange, so they
// work without API credentials.
func (a *app) newEngine(src sources, execute bool) (*engine.Engine, error) {
	cfg := a.cfg
	venue := binance.New(binance.Config{
		APIKey:    cfg.Binance.APIKey,
		APISecret: cfg.Binance.APISecret,
		Testnet:   cfg.Binance.Testnet,
		BaseURL:   cfg.Binance.BaseURL,
	}, a.logger)

	opts := engine.Options{
		Stores:       a.stores,
		WorkerID:     cfg.Engine.WorkerID,
		Workers:      cfg.Engine.Workers,
		QueueSize:    cfg.Engine.QueueSize,
		BucketWidth:  cfg.Engine.BucketWidth,
		MaxTickAge:   cfg.Engine.MaxTickAge,
		PollInterval: cfg.Engine.PollInterval,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RetryDelay:       cfg.Breaker.RetryDelay,
		},
		ExchangeTimeout: cfg.Execution.Timeout,
		Retry: orchestrator.RetryPolicy{
			MaxRetries:      cfg.Execution.MaxRetries,
			InitialInterval: cfg.Execution.RetryInitial,
			MaxInterval:     cfg.Execution.RetryMax,
		},
		MaxSlippagePct:  decimal.NewFromFloat(cfg.Execution.MaxSlippagePct),
		ExportInterval:  cfg.ClickHouse.ExportInterval,
		ExportBatchSize: cfg.ClickHouse.BatchSize,
		ExportLag:       cfg.ClickHouse.ExportLag,
		Logger:          a.logger,
		Verbose:         cfg.Verbose,
	}

	switch {
	case !execute:
		opts.Exchange = paper.New(nil)
	case cfg.Execution.Exchange == config.ExchangePaper:
		px := paper.New(nil)
		opts.Exchange = px
		opts.OnTick = px.Observe
		a.logger.Printf("paper exchange: orders are simulated")
	default:
		if err := cfg.RequireBinanceCredentials(); err != nil {
			return nil, err
		}
		opts.Exchange = venue
	}

	// Prices are public; the poll source works without credentials.
	if src.poll {
		opts.Poll = venue
	}
	if src.stream {
		endpoint := cfg.Binance.StreamURL
		if endpoint == "" && cfg.Binance.Testnet {
			endpoint = feed.TestnetBinanceStreamURL
		}
		streamCfg := feed.DefaultStreamConfig()
		opts.Stream = feed.NewBinanceStream(endpoint, &streamCfg, a.logger)
	}

	return engine.New(opts)
}

func parseDirection(s string) (domain.Direction, error) {
	d := domain.Direction(s)
	if !d.IsValid() {
		return "", fmt.Errorf("direction must be %s or %s", domain.DirectionLong, domain.DirectionShort)
	}
	return d, nil
}
