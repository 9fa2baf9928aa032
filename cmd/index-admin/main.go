// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/visionmall/image-index-queue/internal/config"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/redisclient"
	"github.com/visionmall/image-index-queue/internal/store"
)

var version = "dev"

func main() {
	var cmd string
	var configPath string
	var olderThan time.Duration
	var yes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&cmd, "cmd", "", "Admin command: stats|workers|cleanup|purge-pending")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Cleanup: delete terminal records older than this")
	fs.BoolVar(&yes, "yes", false, "Automatic yes to prompts (dangerous operations)")
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

	mgr := queue.New(store.New(rdb), logger, cfg.Queue.KeyPrefix, cfg.Queue.JobTTL)
	ctx := context.Background()

	switch cmd {
	case "stats":
		res, err := mgr.Stats(ctx)
		if err != nil {
			logger.Fatal("stats error", obs.Err(err))
		}
		printJSON(res)
	case "workers":
		res, err := mgr.Workers(ctx)
		if err != nil {
			logger.Fatal("workers error", obs.Err(err))
		}
		printJSON(res)
	case "cleanup":
		n, err := mgr.Cleanup(ctx, olderThan)
		if err != nil {
			logger.Fatal("cleanup error", obs.Err(err))
		}
		printJSON(struct {
			Deleted int `json:"deleted"`
		}{Deleted: n})
	case "purge-pending":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		n, err := mgr.PurgePending(ctx)
		if err != nil {
			logger.Fatal("purge-pending error", obs.Err(err))
		}
		printJSON(struct {
			Purged int64 `json:"purged"`
		}{Purged: n})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
