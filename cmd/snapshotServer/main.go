package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/blockchain"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/config"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	persistenceBadger "github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/badger"
	persistenceMemory "github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/memory"
	persistencePostgres "github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/postgres"
	persistenceRedis "github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/redis"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/pinning"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/scheduler"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/server"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/snapshotQueue"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

func main() {
	app := &cli.App{
		Name:  "snapshot-server",
		Usage: "ERC20 asset snapshot and merkle proof server",
		Description: `Takes verifiable snapshots of ERC20 holder balances.

This server implements:
- Asynchronous snapshot jobs backed by durable storage
- Deterministic merkle trees matching the on-chain payout verifier
- Content-addressed tree storage with deduplication and integrity checks
- Merkle proof endpoints for holders`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvSnapshotPort},
			},
			&cli.StringFlag{
				Name:    "persistence",
				Value:   string(config.PersistenceType_Badger),
				Usage:   "Row storage backend: memory, badger, postgres or redis",
				EnvVars: []string{config.EnvSnapshotPersistence},
			},
			&cli.StringFlag{
				Name:    "badger-dir",
				Value:   "./data/snapshots",
				Usage:   "Badger data directory",
				EnvVars: []string{config.EnvSnapshotBadgerDir},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Postgres connection string",
				EnvVars: []string{config.EnvSnapshotPostgresDSN},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address; with a non-redis backend it only caches deployment blocks",
				EnvVars: []string{config.EnvSnapshotRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				EnvVars: []string{config.EnvSnapshotRedisPassword},
			},
			&cli.StringFlag{
				Name:    "pinning",
				Value:   string(config.PinningType_Local),
				Usage:   "Merkle tree pinning: local or pinata",
				EnvVars: []string{config.EnvSnapshotPinning},
			},
			&cli.StringFlag{
				Name:    "pinata-url",
				Value:   config.DefaultPinataUrl,
				Usage:   "Pinata API base URL",
				EnvVars: []string{config.EnvSnapshotPinataUrl},
			},
			&cli.StringFlag{
				Name:    "pinata-jwt",
				Usage:   "Pinata API JWT",
				EnvVars: []string{config.EnvSnapshotPinataJWT},
			},
			&cli.StringFlag{
				Name:     "projects-file",
				Usage:    fmt.Sprintf("YAML file listing projects; supported chains: %s", config.GetSupportedChainIDsString()),
				EnvVars:  []string{config.EnvSnapshotProjectsFile},
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "queue-initial-delay",
				Value:   config.DefaultQueueInitialDelay,
				Usage:   "Delay before the first queue tick",
				EnvVars: []string{config.EnvSnapshotQueueInitialDelay},
			},
			&cli.DurationFlag{
				Name:    "queue-period",
				Value:   config.DefaultQueuePeriod,
				Usage:   "Interval between queue ticks",
				EnvVars: []string{config.EnvSnapshotQueuePeriod},
			},
			&cli.IntFlag{
				Name:    "rpc-requests-per-second",
				Value:   config.DefaultRpcRequestsPerSecond,
				Usage:   "RPC rate limit per endpoint",
				EnvVars: []string{config.EnvSnapshotRpcRequestsPerSecond},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvSnapshotDebug},
			},
		},
		Action: runSnapshotServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runSnapshotServer(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg := parseSnapshotConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	projects, err := project.LoadStaticLookup(cfg.ProjectsFile)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	store, err := newPersistence(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Errorw("Failed to close persistence", "error", err)
		}
	}()

	var deploymentBlocks persistence.IDeploymentBlockCache = store
	if cfg.RedisAddress != "" && cfg.Persistence != config.PersistenceType_Redis {
		cache, err := persistenceRedis.NewRedisPersistence(&persistenceRedis.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
		}, l)
		if err != nil {
			return fmt.Errorf("failed to connect deployment block cache: %w", err)
		}
		defer func() { _ = cache.Close() }()
		deploymentBlocks = cache
	}

	chain := blockchain.NewBlockchainService(
		&blockchain.Config{RequestsPerSecond: cfg.RpcRequestsPerSecond},
		blockchain.NewChainIndexerClientFactory(l),
		deploymentBlocks,
		m,
		l,
	)

	pinner, err := newPinningService(cfg, m, l)
	if err != nil {
		return err
	}

	ids := util.RandomIdGenerator()
	trees := merkleStore.NewMerkleTreeStore(store, ids, m, l)

	queue, err := snapshotQueue.NewSnapshotQueue(&snapshotQueue.Config{
		InitialDelay: cfg.QueueInitialDelay,
		Period:       cfg.QueuePeriod,
	}, &snapshotQueue.Dependencies{
		Snapshots:   store,
		Trees:       trees,
		Blockchain:  chain,
		Pinning:     pinner,
		Projects:    projects,
		Scheduler:   newScheduler(cfg.QueuePeriod, l),
		IdGenerator: ids,
		Metrics:     m,
	}, l)
	if err != nil {
		return fmt.Errorf("failed to create snapshot queue: %w", err)
	}

	srv := server.NewServer(&server.Config{Port: cfg.Port}, queue, trees, projects, registry, l)

	if err := queue.Start(); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		queue.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	l.Sugar().Infow("Snapshot server running",
		"port", cfg.Port,
		"persistence", cfg.Persistence,
		"pinning", cfg.Pinning,
	)
	l.Sugar().Infow("Available endpoints",
		"submit", "POST /v1/asset-snapshots",
		"snapshot", "GET /v1/asset-snapshots/{id}",
		"by_project", "GET /v1/asset-snapshots/by-project/{projectId}",
		"merkle_tree", "GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}",
		"merkle_path", "GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}/path/{wallet}",
		"metrics", "GET /metrics")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	l.Sugar().Info("Shutting down snapshot server")
	if err := srv.Stop(); err != nil {
		l.Sugar().Errorw("Failed to stop HTTP server", "error", err)
	}
	queue.Stop()
	return nil
}

func newPersistence(cfg *config.SnapshotServerConfig, l *zap.Logger) (persistence.IPersistence, error) {
	switch cfg.Persistence {
	case config.PersistenceType_Memory:
		l.Sugar().Warn("Using in-memory persistence; snapshots are lost on restart")
		return persistenceMemory.NewMemoryPersistence(), nil
	case config.PersistenceType_Badger:
		store, err := persistenceBadger.NewBadgerPersistence(cfg.BadgerDir, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger persistence: %w", err)
		}
		return store, nil
	case config.PersistenceType_Postgres:
		store, err := persistencePostgres.NewPostgresPersistence(&persistencePostgres.PostgresConfig{DSN: cfg.PostgresDSN}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}
		return store, nil
	case config.PersistenceType_Redis:
		store, err := persistenceRedis.NewRedisPersistence(&persistenceRedis.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis persistence: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported persistence type %q", cfg.Persistence)
	}
}

// newScheduler picks cron for whole-second periods and a ticker otherwise, since cron
// schedules cannot go below one second.
func newScheduler(period time.Duration, l *zap.Logger) scheduler.IScheduler {
	if period%time.Second != 0 {
		l.Sugar().Infow("Using ticker scheduler for sub-second queue period", "period", period)
		return scheduler.NewTickerScheduler()
	}
	return scheduler.NewCronScheduler(l)
}

func newPinningService(cfg *config.SnapshotServerConfig, m *metrics.Metrics, l *zap.Logger) (pinning.IPinningService, error) {
	switch cfg.Pinning {
	case config.PinningType_Local:
		l.Sugar().Warn("Using local pinning; merkle trees are not published")
		return pinning.NewLocalPinner(), nil
	case config.PinningType_Pinata:
		client := transport.NewClient(&http.Client{Timeout: 30 * time.Second}, transport.DefaultRetryConfig, l)
		return pinning.NewPinataClient(&pinning.PinataConfig{
			BaseUrl: cfg.PinataUrl,
			JWT:     cfg.PinataJWT,
		}, client, m, l), nil
	default:
		return nil, fmt.Errorf("unsupported pinning type %q", cfg.Pinning)
	}
}

func parseSnapshotConfig(c *cli.Context) *config.SnapshotServerConfig {
	return &config.SnapshotServerConfig{
		Port:                 c.Int("port"),
		Persistence:          config.PersistenceType(c.String("persistence")),
		BadgerDir:            c.String("badger-dir"),
		PostgresDSN:          c.String("postgres-dsn"),
		RedisAddress:         c.String("redis-address"),
		RedisPassword:        c.String("redis-password"),
		Pinning:              config.PinningType(c.String("pinning")),
		PinataUrl:            c.String("pinata-url"),
		PinataJWT:            c.String("pinata-jwt"),
		ProjectsFile:         c.String("projects-file"),
		QueueInitialDelay:    c.Duration("queue-initial-delay"),
		QueuePeriod:          c.Duration("queue-period"),
		RpcRequestsPerSecond: c.Int("rpc-requests-per-second"),
		Debug:                c.Bool("verbose"),
	}
}
