// Package config loads the server configuration from a YAML file with
// TASKGRAPH_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/taskgraph/internal/capability"
)

const (
	EnvPrefix = "TASKGRAPH"

	QueueBackendJetStream = "jetstream"
	QueueBackendMemory    = "memory"
)

// Config is the full server configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	Watch        WatchConfig        `mapstructure:"watch"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Brain        BrainConfig        `mapstructure:"brain"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// NATSConfig selects an external server (URLs) or an embedded one
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	Embedded       bool          `mapstructure:"embedded"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	StoreDir       string        `mapstructure:"store_dir"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type QueueConfig struct {
	Backend    string        `mapstructure:"backend"`
	Stream     string        `mapstructure:"stream"`
	Subject    string        `mapstructure:"subject"`
	Durable    string        `mapstructure:"durable"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	Duplicates time.Duration `mapstructure:"duplicates"`
	FetchWait  time.Duration `mapstructure:"fetch_wait"`
	Backoff    BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type StorageConfig struct {
	Path             string        `mapstructure:"path"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

type ExecutorConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type WatchdogConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

type WatchConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Subject  string        `mapstructure:"subject"`
}

// ProviderConfig configures the OpenAI-compatible chat model endpoint
type ProviderConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
}

type CapabilitiesConfig struct {
	Provider ProviderConfig          `mapstructure:"provider"`
	Catalog  []capability.Definition `mapstructure:"catalog"`
}

type BrainConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "taskgraph")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.host", "127.0.0.1")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.store_dir", "./data/nats")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("queue.backend", QueueBackendJetStream)
	v.SetDefault("queue.stream", "STEPS")
	v.SetDefault("queue.subject", "steps.dispatch")
	v.SetDefault("queue.durable", "step-workers")
	v.SetDefault("queue.ack_wait", 5*time.Minute)
	v.SetDefault("queue.max_deliver", 10)
	v.SetDefault("queue.duplicates", 10*time.Minute)
	v.SetDefault("queue.fetch_wait", 2*time.Second)
	v.SetDefault("queue.backoff.initial", time.Second)
	v.SetDefault("queue.backoff.max", time.Minute)
	v.SetDefault("queue.backoff.multiplier", 2.0)

	v.SetDefault("storage.path", "./data/taskgraph.db")
	v.SetDefault("storage.history_retention", 30*24*time.Hour)

	v.SetDefault("workers.pool_size", 4)
	v.SetDefault("executor.max_retries", 0)

	v.SetDefault("watchdog.schedule", "@every 30s")
	v.SetDefault("watchdog.step_timeout", 15*time.Minute)

	v.SetDefault("watch.poll_interval", 1500*time.Millisecond)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 15*time.Second)
	v.SetDefault("metrics.subject", "metrics.engine")

	v.SetDefault("capabilities.provider.api_key", "")
	v.SetDefault("capabilities.provider.base_url", "")
	v.SetDefault("capabilities.provider.model", "gpt-4o-mini")
	v.SetDefault("capabilities.provider.timeout", 60*time.Second)
	v.SetDefault("capabilities.provider.temperature", 0.2)

	v.SetDefault("brain.enabled", true)
}

// Load reads the config file at path. An empty path looks for config.yaml in
// ./config and the working directory and falls back to defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Workers.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("workers.pool_size must be at least 1, got %d", c.Workers.PoolSize))
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("executor.max_retries must not be negative"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, fmt.Errorf("http.addr is required"))
	}

	switch c.Queue.Backend {
	case QueueBackendJetStream:
		if !c.NATS.Embedded && len(c.NATS.URLs) == 0 {
			errs = append(errs, fmt.Errorf("nats.urls is required unless nats.embedded is set"))
		}
		if c.Queue.Duplicates <= 0 {
			errs = append(errs, fmt.Errorf("queue.duplicates must be positive"))
		}
	case QueueBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be %q or %q, got %q",
			QueueBackendJetStream, QueueBackendMemory, c.Queue.Backend))
	}

	if c.Queue.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("queue.backoff.multiplier must be at least 1"))
	}
	if c.Queue.Backoff.Max < c.Queue.Backoff.Initial {
		errs = append(errs, fmt.Errorf("queue.backoff.max must not be below queue.backoff.initial"))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must be positive"))
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.interval must be positive"))
	}

	return errors.Join(errs...)
}
