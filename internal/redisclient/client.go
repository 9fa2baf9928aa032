// Copyright 2025 James Ross
package redisclient

import (
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/visionmall/image-index-queue/internal/config"
)

// New returns a configured go-redis v9 client with pooling and retries.
func New(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	opts.PoolSize = poolSize
	opts.MinIdleConns = cfg.Redis.MinIdleConns
	opts.DialTimeout = cfg.Redis.DialTimeout
	opts.ReadTimeout = cfg.Redis.ReadTimeout
	opts.WriteTimeout = cfg.Redis.WriteTimeout
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.ConnMaxIdleTime = 5 * time.Minute
	return redis.NewClient(opts), nil
}
