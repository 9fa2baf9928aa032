// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	URL                string        `mapstructure:"url"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Queue struct {
	KeyPrefix    string        `mapstructure:"key_prefix"`
	JobTTL       time.Duration `mapstructure:"job_ttl"`
	CleanupAge   time.Duration `mapstructure:"cleanup_age"`
	CleanupCron  string        `mapstructure:"cleanup_cron"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type EmbeddingBackoff struct {
	Attempts int           `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Max      time.Duration `mapstructure:"max"`
}

type Embedding struct {
	Endpoint  string           `mapstructure:"endpoint"`
	Dimension int              `mapstructure:"dimension"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	Backoff   EmbeddingBackoff `mapstructure:"backoff"`
}

type VectorStore struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	Distance   string        `mapstructure:"distance"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Staging struct {
	Dir string `mapstructure:"dir"`
}

type Worker struct {
	ID                string        `mapstructure:"id"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	BreakerPause      time.Duration `mapstructure:"breaker_pause"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type HTTP struct {
	Addr             string        `mapstructure:"addr"`
	SubmitRatePerSec float64       `mapstructure:"submit_rate_per_sec"`
	SubmitBurst      int           `mapstructure:"submit_burst"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Queue          Queue          `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Embedding      Embedding      `mapstructure:"embedding"`
	VectorStore    VectorStore    `mapstructure:"vector_store"`
	Staging        Staging        `mapstructure:"staging"`
	HTTP           HTTP           `mapstructure:"http"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			URL:                "redis://localhost:6379/0",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			KeyPrefix:    "imgindex",
			JobTTL:       24 * time.Hour,
			CleanupAge:   7 * 24 * time.Hour,
			CleanupCron:  "@hourly",
			BlockTimeout: 1 * time.Second,
			MaxRetries:   3,
		},
		Worker: Worker{
			PollInterval:      1 * time.Second,
			BatchSize:         1,
			TaskTimeout:       300 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTTL:      60 * time.Second,
			BreakerPause:      100 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Embedding: Embedding{
			Endpoint:  "http://localhost:8500/embed",
			Dimension: 512,
			Timeout:   30 * time.Second,
			Backoff:   EmbeddingBackoff{Attempts: 3, Base: 2 * time.Second, Max: 10 * time.Second},
		},
		VectorStore: VectorStore{
			URL:        "http://localhost:6333",
			Collection: "products",
			Distance:   "Cosine",
			Timeout:    10 * time.Second,
		},
		Staging: Staging{
			Dir: "/tmp/imgindex-staging",
		},
		HTTP: HTTP{
			Addr:             ":8000",
			SubmitRatePerSec: 50,
			SubmitBurst:      100,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			MaxUploadBytes:   10 << 20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.url", def.Redis.URL)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.key_prefix", def.Queue.KeyPrefix)
	v.SetDefault("queue.job_ttl", def.Queue.JobTTL)
	v.SetDefault("queue.cleanup_age", def.Queue.CleanupAge)
	v.SetDefault("queue.cleanup_cron", def.Queue.CleanupCron)
	v.SetDefault("queue.block_timeout", def.Queue.BlockTimeout)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)

	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.batch_size", def.Worker.BatchSize)
	v.SetDefault("worker.task_timeout", def.Worker.TaskTimeout)
	v.SetDefault("worker.heartbeat_interval", def.Worker.HeartbeatInterval)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("embedding.endpoint", def.Embedding.Endpoint)
	v.SetDefault("embedding.dimension", def.Embedding.Dimension)
	v.SetDefault("embedding.timeout", def.Embedding.Timeout)
	v.SetDefault("embedding.backoff.attempts", def.Embedding.Backoff.Attempts)
	v.SetDefault("embedding.backoff.base", def.Embedding.Backoff.Base)
	v.SetDefault("embedding.backoff.max", def.Embedding.Backoff.Max)

	v.SetDefault("vector_store.url", def.VectorStore.URL)
	v.SetDefault("vector_store.collection", def.VectorStore.Collection)
	v.SetDefault("vector_store.distance", def.VectorStore.Distance)
	v.SetDefault("vector_store.timeout", def.VectorStore.Timeout)

	v.SetDefault("staging.dir", def.Staging.Dir)

	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.submit_rate_per_sec", def.HTTP.SubmitRatePerSec)
	v.SetDefault("http.submit_burst", def.HTTP.SubmitBurst)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.max_upload_bytes", def.HTTP.MaxUploadBytes)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// Worker CLI env mirrors (spec'd names differ from the dotted keys)
	bindEnvAliases(v)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("redis.url", "STORE_URL", "REDIS_URL")
	_ = v.BindEnv("worker.poll_interval", "WORKER_POLL_INTERVAL")
	_ = v.BindEnv("worker.batch_size", "WORKER_BATCH_SIZE")
	_ = v.BindEnv("worker.task_timeout", "TASK_TIMEOUT")
	_ = v.BindEnv("observability.log_level", "LOG_LEVEL")
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be >= 1")
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if cfg.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be > 0")
	}
	if cfg.Worker.HeartbeatTTL < 2*cfg.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 2x heartbeat_interval")
	}
	if cfg.Queue.BlockTimeout <= 0 || cfg.Queue.BlockTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("queue.block_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be >= 1")
	}
	if cfg.Queue.KeyPrefix == "" {
		return fmt.Errorf("queue.key_prefix must be non-empty")
	}
	if cfg.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding.dimension must be >= 1")
	}
	if cfg.Embedding.Backoff.Attempts < 1 {
		return fmt.Errorf("embedding.backoff.attempts must be >= 1")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.max_upload_bytes must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
