// Command moneta launches the settlement bridge runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"

	"github.com/moneta-io/moneta/config"
	libtelemetry "github.com/moneta-io/moneta/lib/telemetry"

	"github.com/moneta-io/moneta/internal/admin"
	"github.com/moneta-io/moneta/internal/dispatch"
	"github.com/moneta-io/moneta/internal/domain/claimstore"
	"github.com/moneta-io/moneta/internal/domain/feestore"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/exchange"
	exchangefake "github.com/moneta-io/moneta/internal/exchange/fake"
	"github.com/moneta-io/moneta/internal/fee"
	"github.com/moneta-io/moneta/internal/infra/persistence/memory"
	"github.com/moneta-io/moneta/internal/infra/persistence/migrations"
	"github.com/moneta-io/moneta/internal/infra/persistence/postgres"
	"github.com/moneta-io/moneta/internal/keypool"
	"github.com/moneta-io/moneta/internal/network"
	networkfake "github.com/moneta-io/moneta/internal/network/fake"
	"github.com/moneta-io/moneta/internal/observability"
	"github.com/moneta-io/moneta/internal/poller"
	"github.com/moneta-io/moneta/internal/settle"
	"github.com/moneta-io/moneta/internal/telemetry"
)

const (
	defaultConfigPath       = "config/app.yaml"
	loggerPrefix            = "moneta "
	meterName               = "moneta"
	deadLetterCapacity      = 256
	shutdownTimeout         = 30 * time.Second
	adminShutdownTimeout    = 5 * time.Second
	lifecycleWaitTimeout    = 10 * time.Second
	telemetryFlushTimeout   = 5 * time.Second
	adminReadHeaderTimeout  = 5 * time.Second
	defaultFakeExchangeName = "binance"
)

type stores struct {
	orders orderstore.Store
	claims claimstore.Store
	keys   keystore.Store
	fees   feestore.Store
	outbox outboxstore.Store
}

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg, err := config.Load(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, mode=%s", cfg.Environment, cfg.Mode)

	_, telemetryShutdown, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	metrics, err := telemetry.New(otel.Meter(meterName))
	if err != nil {
		logger.Fatalf("initialise metrics: %v", err)
	}

	repos, dbPool, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}
	if dbPool != nil {
		defer dbPool.Close()
	}

	registry, netClient, err := buildAdapters(cfg)
	if err != nil {
		logger.Fatalf("initialise adapters: %v", err)
	}

	dlq := observability.NewDeadLetterQueue(deadLetterCapacity)
	dispatcher, err := dispatch.New(repos.outbox, dlq, metrics, dispatch.Options{
		Workers:        cfg.Dispatcher.Workers,
		BatchSize:      cfg.Dispatcher.BatchSize,
		PollInterval:   cfg.Dispatcher.PollInterval,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		InitialBackoff: cfg.Dispatcher.InitialBackoff,
		MaxBackoff:     cfg.Dispatcher.MaxBackoff,
	})
	if err != nil {
		logger.Fatalf("initialise dispatcher: %v", err)
	}

	keys := keypool.New(repos.keys, registry, keypool.Options{
		Staleness:       cfg.KeyPool.Staleness,
		RefreshInterval: cfg.KeyPool.RefreshInterval,
	})

	processor, err := settle.New(repos.orders, repos.keys, keys, fee.NewEngine(repos.fees), registry, netClient, dispatcher, metrics, settle.Options{
		TrackInterval:     cfg.Settle.TrackInterval,
		RemoteTimeout:     cfg.Settle.RemoteTimeout,
		RequestsPerSecond: cfg.Settle.RequestsPerSecond,
		Burst:             cfg.Settle.Burst,
	})
	if err != nil {
		logger.Fatalf("initialise settlement processor: %v", err)
	}
	processor.Register(dispatcher)

	snapshotPoller, err := poller.New(netClient, repos.claims, repos.orders, dispatcher, metrics, poller.Options{
		Interval:         cfg.Poller.Interval,
		BatchSize:        cfg.Poller.BatchSize,
		MinConfirmations: cfg.Poller.MinConfirmations,
	})
	if err != nil {
		logger.Fatalf("initialise poller: %v", err)
	}

	adminServer := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.NewHandler(repos.keys, repos.fees, repos.outbox),
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("dispatcher stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := snapshotPoller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("poller stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		keys.RunRefresher(ctx)
	})
	lifecycle.Go(func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("admin server: %v", err)
		}
	})
	logger.Printf("admin API listening on %s", adminServer.Addr)

	logger.Print("moneta started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, adminServer, cancel, &lifecycle, telemetryShutdown)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func buildStores(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (stores, *pgxpool.Pool, error) {
	if cfg.Mode == config.ModeFake {
		logger.Print("fake mode: using in-memory persistence")
		return stores{
			orders: memory.NewOrderStore(),
			claims: memory.NewClaimStore(),
			keys:   memory.NewKeyStore(),
			fees:   memory.NewFeeStore(feestore.Config{}),
			outbox: memory.NewOutboxStore(),
		}, nil, nil
	}

	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsDir, logger); err != nil {
			return stores{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return stores{}, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return stores{}, nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	repos := postgres.New(dbPool)
	return stores{
		orders: repos.Orders,
		claims: repos.Claims,
		keys:   repos.Keys,
		fees:   repos.Fees,
		outbox: repos.Outbox,
	}, dbPool, nil
}

func buildAdapters(cfg config.AppConfig) (*exchange.Registry, network.Client, error) {
	if cfg.Mode == config.ModeLive {
		// Live venue and network adapters are wired per deployment; this
		// build bundles only the deterministic fakes.
		return nil, nil, errors.New("live exchange adapters are not bundled in this build")
	}

	registry := exchange.NewRegistry()
	names := cfg.Exchanges
	if len(names) == 0 {
		names = []string{defaultFakeExchangeName}
	}
	for _, name := range names {
		registry.Register(name, exchangefake.NewVenue(name))
	}
	return registry, networkfake.New(), nil
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, adminServer *http.Server, mainCancel context.CancelFunc, lifecycle *conc.WaitGroup, telemetryShutdown func(context.Context) error) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if adminServer != nil {
		shutdownStep("stopping admin server", adminShutdownTimeout, adminServer.Shutdown)
	}

	logger.Print("shutdown: cancelling main context")
	if mainCancel != nil {
		mainCancel()
	}

	if lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleWaitTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryFlushTimeout, telemetryShutdown)
	}
}
