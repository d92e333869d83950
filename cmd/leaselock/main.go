package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leaselock/internal/config"
	"leaselock/internal/lease"
	"leaselock/internal/scheduler"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "leaselock.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("leaselock %s\n", version)
		os.Exit(0)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Generate node ID if not specified
	nodeID := cfg.Node.ID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
		logger.Info("generated node ID", "node_id", nodeID)
	}

	// Build the lease store for the configured backend
	store, closeStore, err := buildStore(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to initialize lease store", "error", err, "backend", cfg.Store.Backend)
		os.Exit(1)
	}

	// Create lock
	lock := lease.New(store, lease.WithIdentity(nodeID))

	// Create scheduler
	sched := scheduler.New(lock, logger)

	// Add jobs
	for _, jobCfg := range cfg.Jobs {
		if err := sched.AddJob(jobCfg); err != nil {
			logger.Error("failed to add job", "job", jobCfg.Name, "error", err)
			os.Exit(1)
		}
	}

	// Start scheduler
	sched.Start()

	// Notify systemd that we're ready
	notifySystemd(logger)

	// Start systemd watchdog if configured
	stopWatchdog := startWatchdog(logger)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	// Stop watchdog
	if stopWatchdog != nil {
		stopWatchdog()
	}

	// Notify systemd we're stopping
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop scheduler gracefully
	sched.Stop()

	// Close store
	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Error("failed to close lease store", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// buildStore constructs the lease store named by the configuration and
// returns it along with an optional close function.
func buildStore(cfg config.StoreConfig, logger *slog.Logger) (lease.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return buildRedisStore(cfg.Redis, logger)
	case config.BackendDynamoDB:
		return buildDynamoStore(cfg.DynamoDB, logger)
	case config.BackendMemory:
		logger.Warn("memory store provides no cross-node exclusion, single-node use only")
		return lease.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildRedisStore(cfg config.RedisConfig, logger *slog.Logger) (lease.Store, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	logger.Info("connected to Redis", "address", cfg.Address)

	store := lease.NewRedisStore(client, cfg.KeyPrefix)
	return store, store.Close, nil
}

func buildDynamoStore(cfg config.DynamoDBConfig, logger *slog.Logger) (lease.Store, func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, clientOpts...)

	if cfg.CreateTable {
		if err := lease.CreateLockTable(ctx, client, cfg.Table, cfg.ReadCapacity, cfg.WriteCapacity); err != nil {
			logger.Warn("lock table bootstrap failed, assuming it already exists", "table", cfg.Table, "error", err)
		} else {
			logger.Info("created lock table", "table", cfg.Table)
		}
	}

	logger.Info("using DynamoDB lease store", "table", cfg.Table)
	return lease.NewDynamoStore(client, cfg.Table), nil, nil
}

// notifySystemd sends the ready notification to systemd if running under systemd.
func notifySystemd(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("notified systemd ready")
	}
}

// startWatchdog starts the systemd watchdog if configured.
// Returns a function to stop the watchdog, or nil if not running.
func startWatchdog(logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	logger.Info("starting systemd watchdog", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(done)
	}
}
