package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/LionTao/misty/internal/client"
	"github.com/LionTao/misty/internal/config"
	"github.com/LionTao/misty/internal/geo"
	"github.com/LionTao/misty/internal/grid"
	"github.com/LionTao/misty/internal/handler"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/server"
	"github.com/LionTao/misty/internal/service"
	"github.com/LionTao/misty/internal/store"
	"github.com/LionTao/misty/internal/util/retry"
	"github.com/LionTao/misty/internal/util/workerpool"
)

func main() {
	configFlag := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("grpc_port", cfg.Server.Port),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("state_backend", cfg.StateStore.Backend))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	// State store
	stateStore, err := newStateStore(&cfg.StateStore, logger)
	if err != nil {
		logger.Fatal("Failed to initialize state store", zap.Error(err))
	}
	defer stateStore.Close()

	codec, err := store.NewCodec(cfg.StateStore.Compress)
	if err != nil {
		logger.Fatal("Failed to initialize state codec", zap.Error(err))
	}
	defer codec.Close()

	g := grid.NewGrid(cfg.Index.MaxResolution, cfg.Index.CoveringRadius)
	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Directory, hosted here unless another node owns it
	var (
		directory      service.DirectoryAPI
		localDirectory *service.DirectoryService
	)
	if cfg.Cluster.DirectoryAddress == "" {
		localDirectory = service.NewDirectoryService(
			&service.DirectoryConfig{
				InitialResolution: cfg.Index.InitialResolution,
				RTreeMinChildren:  cfg.Index.RTreeMinChildren,
				RTreeMaxChildren:  cfg.Index.RTreeMaxChildren,
			},
			g,
			stateStore,
			codec,
			m,
			logger,
		)
		if err := localDirectory.Load(context.Background()); err != nil {
			logger.Fatal("Failed to load directory", zap.Error(err))
		}
		directory = localDirectory
	} else {
		directoryClient, err := client.NewDirectoryClient(cfg.Cluster.DirectoryAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to directory", zap.Error(err))
		}
		defer directoryClient.Close()
		directory = directoryClient
	}

	// Shards
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "shard-flush",
		MaxWorkers: cfg.Workers.MaxWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger,
	})

	shardRegistry, err := service.NewShardRegistry(
		&service.RegistryConfig{
			MaxActive:        cfg.Shards.MaxActive,
			IdleTimeout:      cfg.Shards.IdleTimeout,
			EvictionInterval: cfg.Shards.EvictionInterval,
		},
		&service.ShardConfig{
			MaxBufferSize:          cfg.Index.MaxBufferSize,
			TreeInsertionThreshold: cfg.Index.TreeInsertionThreshold,
			SplitThreshold:         cfg.Index.SplitThreshold,
			RTreeMinChildren:       cfg.Index.RTreeMinChildren,
			RTreeMaxChildren:       cfg.Index.RTreeMaxChildren,
		},
		g,
		stateStore,
		codec,
		directory,
		pool,
		m,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize shard registry", zap.Error(err))
	}
	shardRegistry.Start()

	router := service.NewShardRouter(
		cfg.Server.NodeID,
		address,
		cfg.Cluster.VirtualNodes,
		shardRegistry,
		func(addr string) (service.ShardAPI, error) {
			return client.NewShardClient(addr, logger)
		},
		logger,
	)

	// Membership
	var gossip *service.GossipService
	if cfg.Cluster.Gossip.Enabled {
		gossip, err = service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Cluster.Gossip.BindPort,
				SeedNodes:      cfg.Cluster.Gossip.SeedNodes,
				GossipInterval: cfg.Cluster.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Cluster.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Cluster.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID,
			address,
			router,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			logger.Info("Gossip service initialized", zap.Int("members", gossip.Members()))
		}
	}

	// Protocols
	protocolCfg := &service.ProtocolConfig{
		Deadline:   cfg.Protocol.Deadline,
		RPCTimeout: cfg.Protocol.RPCTimeout,
	}
	newPolicy := func() *retry.Policy {
		return retry.NewPolicy(
			cfg.Protocol.MaxTransportRetries,
			cfg.Protocol.InitialBackoff,
			cfg.Protocol.MaxBackoff,
			cfg.Protocol.RetryRate,
			cfg.Protocol.RetryBurst,
		)
	}

	writer := service.NewWriterService(protocolCfg, directory, router, g, newPolicy(), m, logger)
	reader := service.NewReaderService(protocolCfg, directory, router, g, newPolicy(), m, logger)
	assembler := service.NewAssemblerService(writer, stateStore, codec, m, logger)

	transform, err := geo.NewTransform(cfg.Projection)
	if err != nil {
		logger.Fatal("Failed to initialize projection", zap.Error(err))
	}
	inverse, err := geo.Inverse(cfg.Projection)
	if err != nil {
		logger.Fatal("Failed to initialize projection", zap.Error(err))
	}
	queryAgent := service.NewQueryAgentService(reader, assembler, transform, inverse, m, logger)

	// Handlers
	trajectoryHandler := handler.NewTrajectoryHandler(assembler, reader, queryAgent, logger)

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	handler.RegisterShardServer(grpcServer, handler.NewShardHandler(shardRegistry, router, logger))
	handler.RegisterTrajectoryServer(grpcServer, trajectoryHandler)
	if localDirectory != nil {
		handler.RegisterDirectoryServer(grpcServer, handler.NewDirectoryHandler(localDirectory, logger))
	}

	httpServer := server.NewHTTPServer(
		&server.HTTPServerConfig{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.HTTPPort,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			RateLimit:      cfg.Server.RateLimit,
			RateBurst:      cfg.Server.RateBurst,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		},
		trajectoryHandler,
		map[string]server.ReadinessCheck{"state_store": stateStore.Ping},
		registry,
		m,
		logger,
	)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// Start listening
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Index node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", address),
		zap.Bool("directory_host", localDirectory != nil))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Stop(ctx); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
		if gossip != nil {
			if err := gossip.Shutdown(5 * time.Second); err != nil {
				logger.Error("Failed to leave cluster", zap.Error(err))
			}
		}

		grpcServer.GracefulStop()
	}()

	// Start server
	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}

	// Eviction flushes in flight finish before the remaining shards are flushed
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Failed to drain shard flush workers", zap.Error(err))
	}
	shardRegistry.Close()
	router.Close()
	logger.Info("Index node stopped")
}

// newStateStore opens the configured state backend
func newStateStore(cfg *config.StateStoreConfig, logger *zap.Logger) (store.StateStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(logger), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLite.Path, logger)
	case "redis":
		return store.NewRedisStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.KeyPrefix,
			logger,
		)
	case "postgres":
		return store.NewPostgresStore(
			cfg.Postgres.Host,
			cfg.Postgres.Port,
			cfg.Postgres.Database,
			cfg.Postgres.User,
			cfg.Postgres.Password,
			cfg.Postgres.MaxConnections,
			cfg.Postgres.MinConnections,
			logger,
		)
	default:
		return nil, fmt.Errorf("unknown state store backend: %s", cfg.Backend)
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
