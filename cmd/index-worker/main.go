// Copyright 2025 James Ross
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

	"github.com/visionmall/image-index-queue/internal/config"
	"github.com/visionmall/image-index-queue/internal/embedding"
	"github.com/visionmall/image-index-queue/internal/janitor"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/redisclient"
	"github.com/visionmall/image-index-queue/internal/staging"
	"github.com/visionmall/image-index-queue/internal/store"
	"github.com/visionmall/image-index-queue/internal/vectorstore"
	"github.com/visionmall/image-index-queue/internal/worker"
)

var version = "dev"

func main() {
	var workerID string
	var storeURL string
	var pollInterval time.Duration
	var batchSize int
	var taskTimeout time.Duration
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&workerID, "worker-id", "", "Unique worker identifier (required)")
	fs.StringVar(&storeURL, "store-url", "", "Store connection URL (overrides STORE_URL)")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "Sleep between empty polls (overrides WORKER_POLL_INTERVAL)")
	fs.IntVar(&batchSize, "batch-size", 0, "Jobs per batch (overrides WORKER_BATCH_SIZE)")
	fs.DurationVar(&taskTimeout, "task-timeout", 0, "Per-job timeout (overrides TASK_TIMEOUT)")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}
	if workerID == "" {
		fmt.Fprintln(os.Stderr, "--worker-id is required")
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// flags win over file and env
	if storeURL != "" {
		cfg.Redis.URL = storeURL
	}
	if pollInterval > 0 {
		cfg.Worker.PollInterval = pollInterval
	}
	if batchSize > 0 {
		cfg.Worker.BatchSize = batchSize
	}
	if taskTimeout > 0 {
		cfg.Worker.TaskTimeout = taskTimeout
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb, err := redisclient.New(cfg)
	if err != nil {
		logger.Fatal("redis client", obs.Err(err))
	}
	defer rdb.Close()

	st := store.New(rdb)
	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := st.Ping(startCtx); err != nil {
		startCancel()
		logger.Fatal("store unreachable", obs.Err(err))
	}
	startCancel()

	mgr := queue.New(st, logger, cfg.Queue.KeyPrefix, cfg.Queue.JobTTL)
	stg, err := staging.New(cfg.Staging.Dir)
	if err != nil {
		logger.Fatal("staging dir", obs.Err(err))
	}
	emb := embedding.NewHTTP(cfg.Embedding.Endpoint, cfg.Embedding.Dimension, cfg.Embedding.Timeout)
	vs := vectorstore.NewQdrant(cfg.VectorStore.URL, cfg.VectorStore.APIKey, cfg.VectorStore.Collection,
		cfg.Embedding.Dimension, cfg.VectorStore.Distance, cfg.VectorStore.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	readyCheck := func(c context.Context) error { return st.Ping(c) }
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	obs.StartPendingLengthUpdater(ctx, 2*time.Second, mgr.PendingLength, logger)

	jan := janitor.New(mgr, logger, cfg.Queue.CleanupAge, cfg.Queue.CleanupCron)
	go func() {
		if err := jan.Run(ctx); err != nil {
			logger.Warn("janitor stopped", obs.Err(err))
		}
	}()

	w := worker.New(cfg, workerID, mgr, stg, emb, vs, logger)
	logger.Info("worker starting",
		obs.String("worker_id", workerID),
		obs.Int("batch_size", cfg.Worker.BatchSize),
		obs.String("poll_interval", cfg.Worker.PollInterval.String()))
	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, draining", obs.String("signal", sig.String()))
	cancel()
	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(10 * time.Second):
	}
}
