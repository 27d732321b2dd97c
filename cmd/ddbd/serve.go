package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/ddbd/internal/client"
	"github.com/devrev/ddbd/internal/config"
	"github.com/devrev/ddbd/internal/handler"
	"github.com/devrev/ddbd/internal/health"
	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/server"
	"github.com/devrev/ddbd/internal/service"
	"github.com/devrev/ddbd/internal/util/workerpool"
	"github.com/devrev/ddbd/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DDB server",
	Long: `Load the tables from the data directory, accept links from leaf servers,
keep links to the configured hubs and replicate every change along the tree.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(resolveConfigPath())
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("server", cfg.Server.Name))
	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("tables", len(layout)),
		zap.Strings("hubs", cfg.Uplinks.Hubs),
		zap.Bool("checkpoint_master", cfg.Checkpoint.Master))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.Name, reg)

	// Storage
	logs, err := service.NewCommitLogService(&service.CommitLogConfig{
		SyncWrites: cfg.Storage.SyncWrites,
	}, layout, cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open table logs: %w", err)
	}
	defer logs.Close()

	tables := service.NewTableService(layout, logger)
	cache := service.NewCacheService(&service.CacheConfig{
		Enabled:       cfg.Cache.Enabled,
		Path:          cfg.Cache.Path,
		FlushInterval: cfg.Cache.FlushInterval,
	}, tables, logs, m, logger)

	// Operator notices
	var notifier service.Notifier = service.LogNotifier{Logger: logger}
	var gossipSvc *service.GossipService
	if !cfg.Gossip.Enabled {
		logger.Info("Gossip disabled, operator notices are only logged")
	} else {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        true,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			RetransmitMult: cfg.Gossip.RetransmitMult,
		}, cfg.Server.Name, m, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service, notices stay local", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			gossipSvc.OnNotice(func(n service.OperatorNotice) {
				logger.Warn("Operator notice",
					zap.String("origin", n.Origin),
					zap.String("text", n.Text))
			})
			notifier = gossipSvc
		}
	}

	// Engine and event loop
	validator := validation.NewValidatorWithLimits(layout, cfg.Validation.MaxKeySize, cfg.Validation.MaxValueSize)
	loop := server.NewEventLoop(&server.LoopConfig{MaxLinks: cfg.Server.MaxLinks}, logger)
	engine := service.NewReplicationService(&service.ReplicationConfig{
		ServerName: cfg.Server.Name,
		OriginMask: cfg.Server.OriginMask,
		BatchLimit: cfg.Replication.BatchLimit,
	}, tables, logs, cache, validator, service.Collaborators{
		Transport:  loop,
		Effects:    service.LogSideEffects{Logger: logger},
		Notifier:   notifier,
		Terminator: loop,
	}, m, logger)
	peerHandler := handler.NewPeerHandler(engine, loop, cfg.Server.MaxMalformed, m, logger)
	loop.Bind(engine, peerHandler)

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "replay",
		MaxWorkers: cfg.Replication.ReplayWorkers,
		Logger:     logger,
	})
	err = engine.Start(ctx, pool)
	pool.Stop(cfg.Server.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("failed to load tables: %w", err)
	}

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Name:         cfg.Server.Name,
		DataDir:      cfg.Storage.DataDir,
		MaxDiskUsage: cfg.Storage.MaxDiskUsage,
	}, logger)
	checker.RunChecks()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go checker.Start(runCtx)

	checkpoints := service.NewCheckpointService(&service.CheckpointConfig{
		Master:   cfg.Checkpoint.Master,
		Interval: cfg.Checkpoint.Interval,
		Ratio:    cfg.Checkpoint.Ratio,
		Slack:    cfg.Checkpoint.Slack,
	}, engine, loop, logger)
	checkpoints.Start()
	cache.ScheduleFlush(loop)

	// Links
	links := server.NewLinkServer(&server.LinkServerConfig{
		Name:             cfg.Server.Name,
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		SendQueue:        cfg.Server.SendQueue,
	}, loop, logger)
	if err := links.Listen(); err != nil {
		return err
	}
	go links.Serve(runCtx)

	for _, hub := range cfg.Uplinks.Hubs {
		uplink := client.NewUplinkClient(hub, cfg.Uplinks.RetryInterval, cfg.Uplinks.DialTimeout, logger)
		go uplink.Run(runCtx, links.ConnectHub)
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, m, checker, logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	logger.Info("DDB server started",
		zap.String("addr", links.Addr().String()),
		zap.String("version", Version))

	runErr := loop.Run(runCtx)
	cancel()

	if runErr != nil {
		checker.MarkDead(runErr)
		logger.Error("DDB stopped on a fatal error", zap.Error(runErr))
		if gossipSvc != nil {
			if err := gossipSvc.Flush(); err != nil {
				logger.Warn("Failed to deliver pending operator notices", zap.Error(err))
			}
		}
		return runErr
	}

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)
	checkpoints.Stop()
	if err := cache.Save(); err != nil {
		logger.Warn("Failed to write persistence cache", zap.Error(err))
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level
	return zapConfig.Build()
}
