package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/api"
	"github.com/t77yq/taskgraph/internal/brain"
	"github.com/t77yq/taskgraph/internal/capability"
	"github.com/t77yq/taskgraph/internal/config"
	"github.com/t77yq/taskgraph/internal/executor"
	"github.com/t77yq/taskgraph/internal/monitor"
	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/service"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/watch"
)

const (
	natsConnectAttempts = 5
	historyCleanupEvery = 24 * time.Hour
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API, worker pool and watchdog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address, overrides http.addr",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Worker pool size, overrides workers.pool_size",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.HTTP.Addr = cmd.String("addr")
	}
	if cmd.IsSet("workers") {
		cfg.Workers.PoolSize = int(cmd.Int("workers"))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	tasks := storage.NewTaskStore(db, logger)
	steps := storage.NewStepStore(db, logger)
	employees := storage.NewEmployeeStore(db, logger)
	history := storage.NewSQLiteRunHistory(db, logger)

	var (
		dispatchQueue queue.Queue
		js            nats.JetStreamContext
	)
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		mq := queue.NewMemoryQueue(cfg.Queue.Duplicates, cfg.Queue.FetchWait, logger)
		defer mq.Close()
		dispatchQueue = mq
		logger.Warn("Using in-process queue, dispatched jobs do not survive restarts")

	default:
		nc, embedded, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			nc.Close()
			if embedded != nil {
				embedded.Shutdown()
				embedded.WaitForShutdown()
			}
		}()

		if js, err = nc.JetStream(); err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		jq, err := queue.NewJetStreamQueue(js, queue.Config{
			Stream:     cfg.Queue.Stream,
			Subject:    cfg.Queue.Subject,
			Durable:    cfg.Queue.Durable,
			AckWait:    cfg.Queue.AckWait,
			MaxDeliver: cfg.Queue.MaxDeliver,
			Duplicates: cfg.Queue.Duplicates,
			FetchWait:  cfg.Queue.FetchWait,
			Storage:    nats.FileStorage,
		}, logger)
		if err != nil {
			return err
		}
		dispatchQueue = jq
	}

	catalog, err := capability.NewCatalog(cfg.Capabilities.Catalog)
	if err != nil {
		return fmt.Errorf("invalid capability catalog: %w", err)
	}
	provider := cfg.Capabilities.Provider
	runner := capability.NewLLMRunner(catalog, provider.Model, capability.OpenAIFactory(capability.ProviderConfig{
		APIKey:      provider.APIKey,
		BaseURL:     provider.BaseURL,
		Model:       provider.Model,
		Timeout:     provider.Timeout,
		Temperature: provider.Temperature,
	}), logger)
	if provider.APIKey == "" {
		logger.Warn("No capability provider API key configured, capability steps will fail")
	}

	retriever := brain.NewRetriever(storage.NewDocumentStore(db, logger), logger)
	var kb executor.KnowledgeBase
	if cfg.Brain.Enabled {
		kb = retriever
	}

	planner := scheduler.NewPlanner(tasks, steps, employees, logger)
	advancer := scheduler.NewAdvancer(tasks, steps, dispatchQueue, logger)
	stepExecutor := executor.NewStepExecutor(tasks, steps, history, advancer, runner, kb,
		scheduler.RetryPolicy{MaxRetries: cfg.Executor.MaxRetries}, logger)
	pool := executor.NewPool(dispatchQueue, stepExecutor, &scheduler.ExponentialBackoff{
		InitialDelay: cfg.Queue.Backoff.Initial,
		MaxDelay:     cfg.Queue.Backoff.Max,
		Multiplier:   cfg.Queue.Backoff.Multiplier,
	}, cfg.Workers.PoolSize, logger)
	watchdog := scheduler.NewWatchdog(scheduler.WatchdogConfig{
		Schedule:    cfg.Watchdog.Schedule,
		StepTimeout: cfg.Watchdog.StepTimeout,
	}, tasks, steps, advancer, logger)

	watcher := watch.NewWatcher(tasks, steps, cfg.Watch.PollInterval, logger)
	svc := service.NewTaskService(tasks, steps, planner, advancer, watcher, employees, retriever, logger)
	httpServer := api.NewServer(cfg.HTTP.Addr, svc, logger)

	pool.Start(ctx)
	defer pool.Stop()

	if err := watchdog.Start(ctx); err != nil {
		return err
	}
	defer watchdog.Stop()

	if cfg.Metrics.Enabled && js != nil {
		collector := monitor.NewMetricsCollector(js, cfg.Metrics.Subject, cfg.Metrics.Interval, pool, steps, logger)
		if err := collector.Start(ctx); err != nil {
			return err
		}
		defer collector.Stop()
	}

	go cleanupHistory(ctx, history, cfg.Storage.HistoryRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully",
		zap.Int("in_flight", pool.Stats().InFlight))
	return nil
}

// connectNATS starts the embedded server when configured and connects with retry
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, *server.Server, error) {
	urls := cfg.NATS.URLs
	var embedded *server.Server
	if cfg.NATS.Embedded {
		s, err := queue.StartEmbeddedServer(cfg.NATS.Host, cfg.NATS.Port, cfg.NATS.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		embedded = s
		urls = []string{s.ClientURL()}
		logger.Info("Started embedded NATS server", zap.String("url", s.ClientURL()))
	}

	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	for i := 0; i < natsConnectAttempts; i++ {
		nc, err = nats.Connect(strings.Join(urls, ","), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, embedded, nil
}

func cleanupHistory(ctx context.Context, history storage.RunHistory, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(historyCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := history.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("Failed to clean up run history", zap.Error(err))
				continue
			}
			logger.Info("Cleaned up run history", zap.Int64("deleted", n))
		}
	}
}
