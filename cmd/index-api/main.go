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
	"github.com/visionmall/image-index-queue/internal/httpapi"
	"github.com/visionmall/image-index-queue/internal/indexer"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/redisclient"
	"github.com/visionmall/image-index-queue/internal/staging"
	"github.com/visionmall/image-index-queue/internal/store"
	"github.com/visionmall/image-index-queue/internal/vectorstore"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
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

	// ensure the collection exists; the store may still be warming up
	ensureCtx, ensureCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := vs.EnsureCollection(ensureCtx); err != nil {
		logger.Warn("vector store collection not ready", obs.Err(err))
	}
	ensureCancel()

	readyCheck := func(c context.Context) error { return st.Ping(c) }
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	obs.StartPendingLengthUpdater(ctx, 2*time.Second, mgr.PendingLength, logger)

	svc := indexer.New(mgr, stg, emb, vs, logger)
	srv := httpapi.NewServer(cfg, svc, mgr, logger)
	logger.Info("api listening", obs.String("addr", cfg.HTTP.Addr))
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("api server stopped", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
