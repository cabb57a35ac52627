package main

import (
	"context"
	"fmt"

	"workflow-orchestrator/config"
	"workflow-orchestrator/core/executor"
	"workflow-orchestrator/core/monitoring"
	"workflow-orchestrator/core/repository"
	"workflow-orchestrator/core/resource_manager"
	"workflow-orchestrator/logger"
	"workflow-orchestrator/providers/aws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired services
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	repo     repository.SnapshotRepository
	pool     *resource_manager.TunnelPool
	access   *executor.SSHClient
	executor *executor.WorkflowExecutor
	closers  []func() error
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openRepository opens the configured snapshot store
func openRepository(ctx context.Context, cfg config.StorageConfig) (repository.SnapshotRepository, func() error, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := repository.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewPostgresRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, db.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return repository.NewRedisRepository(client, cfg.RedisPrefix), client.Close, nil
	default:
		repo, err := repository.NewFileRepository(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() error { return nil }, nil
	}
}

// buildApp wires storage, remote access, the tunnel pool and the executor
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	conn := cfg.Connection
	if conn.InstanceID != "" {
		ec2Client, err := aws.NewClient(ctx, cfg.AWS.Region, cfg.AWS.UsePrivateIP)
		if err != nil {
			return nil, err
		}
		if conn, err = ec2Client.ResolveConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("failed to resolve connection: %w", err)
		}
		log.Info("Resolved EC2 instance", zap.String("instance_id", conn.InstanceID), zap.String("host", conn.Host))
	}

	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, closeRepo)

	access, err := executor.NewSSHClientFromConnection(conn, cfg.Remote.KnownHostsFile, cfg.Remote.CommandTimeout, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.access = access
	a.closers = append(a.closers, access.Close)

	a.pool = resource_manager.NewTunnelPool(
		resource_manager.NewSSHForwarder(cfg.Tunnel.SSHBinary, log),
		resource_manager.PoolConfig{
			EstablishTimeout: cfg.Tunnel.EstablishTimeout,
			StopGracePeriod:  cfg.Tunnel.GracePeriod,
		},
		log,
	)

	a.executor = executor.NewWorkflowExecutor(
		executor.Config{
			Connection:          conn,
			ServicePort:         cfg.Remote.ServicePort,
			RemoteInputDir:      cfg.Remote.InputDir,
			RemoteWorkDir:       cfg.Remote.WorkDir,
			OutputDir:           cfg.OutputDir,
			DownloadConcurrency: cfg.DownloadConcurrency,
			CommandTimeout:      cfg.Remote.CommandTimeout,
			Monitor: monitoring.Config{
				PollInterval:       cfg.Monitor.PollInterval,
				Timeout:            cfg.Monitor.Timeout,
				PlaceholderPercent: cfg.Monitor.PlaceholderPercent,
				RemoteOutputDir:    cfg.Remote.OutputDir,
				DisableEvents:      cfg.Monitor.DisableEvents,
			},
		},
		access,
		a.pool,
		executor.RemoteServiceFactory(cfg.Remote.RequestTimeout),
		repo,
		log,
	)
	return a, nil
}

// shutdown stops workers, tunnels and connections in that order
func (a *app) shutdown(ctx context.Context) {
	if err := a.executor.Shutdown(ctx); err != nil {
		a.log.Warn("Workflows still running at shutdown", zap.Error(err))
	}
	a.pool.Shutdown()
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to close resource", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
