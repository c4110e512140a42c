package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/audit"
	"github.com/25RMD/platz-bidcore/internal/config"
	"github.com/25RMD/platz-bidcore/internal/logger"
	"github.com/25RMD/platz-bidcore/internal/messaging"
	"github.com/25RMD/platz-bidcore/internal/oracle"
	"github.com/25RMD/platz-bidcore/internal/reconcile"
	"github.com/25RMD/platz-bidcore/internal/rpc"
	"github.com/25RMD/platz-bidcore/internal/store"
	"github.com/25RMD/platz-bidcore/internal/sweeper"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
	runOnce    = flag.Bool("once", false, "Run a single repair cycle and exit")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadSweeperConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "sweeper",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Consistency Repair Sweeper")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	// Ensure the schema is current
	if err := store.Migrate(db); err != nil {
		logger.FatalCtx(ctx, "Failed to migrate database schema", zap.Error(err))
	}

	// Initialize store
	dataStore := store.NewPGStore(db)

	// Initialize clock adapter
	clock := adapter.NewClock()

	// Connect to the ranked RPC providers
	rpcClient, err := rpc.NewClient(ctx, cfg.Ethereum.RPC, adapter.NewEthClientDialer())
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to RPC providers", zap.Error(err))
	}
	defer rpcClient.Close()

	// Initialize ownership oracle
	ownershipOracle, err := oracle.New(cfg.Ethereum.ContractAddress, rpcClient)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to initialize ownership oracle", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Ownership oracle initialized",
		zap.String("contract", cfg.Ethereum.ContractAddress))

	// Connect to NATS for downstream notifications; fall back to a no-op
	// publisher when no URL is configured.
	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if cfg.NATS.URL != "" {
		publisher, err = messaging.NewPublisher(messaging.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, adapter.NewNatsJetStream())
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err))
		}
		logger.InfoCtx(ctx, "Connected to NATS JetStream", zap.String("stream", cfg.NATS.StreamName))
	}
	defer publisher.Close()

	// Initialize audit trail and reconciler
	auditLogger := audit.New(dataStore)
	reconciler := reconcile.New(dataStore, ownershipOracle, auditLogger, publisher, clock, cfg.WorkerPoolSize)

	// Initialize consistency repair sweeper
	repairConfig := &sweeper.ConsistencyRepairConfig{
		Interval:   cfg.Interval,
		StartBlock: cfg.Ethereum.StartBlock,
	}
	repairSweeper := sweeper.NewConsistencyRepairSweeper(repairConfig, dataStore, ownershipOracle, auditLogger, reconciler, clock)

	if *runOnce {
		if err := repairSweeper.RunOnce(ctx); err != nil {
			logger.FatalCtx(ctx, "Repair cycle failed", zap.Error(err))
		}
		logger.InfoCtx(ctx, "Repair cycle completed, exiting")
		return
	}

	// Start the sweeper in a goroutine
	var daemon sweeper.Sweeper = repairSweeper
	errChan := make(chan error, 1)
	go func() {
		if err := daemon.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	logger.InfoCtx(ctx, "Sweeper started", zap.String("sweeper", daemon.Name()))

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the sweeper
	cancel()

	// Give the sweeper time to shut down gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	if err := daemon.Stop(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err)
	}

	logger.InfoCtx(shutdownCtx, "Sweeper stopped")
}
