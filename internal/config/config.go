// Package config loads process configuration from an optional YAML file
// followed by environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Runbooks  RunbooksConfig  `yaml:"runbooks"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stream    StreamConfig    `yaml:"stream"`
	Invoker   InvokerConfig   `yaml:"invoker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Worker    WorkerConfig    `yaml:"worker"`
	LogLevel  string          `yaml:"log_level"`
	LogPretty bool            `yaml:"log_pretty"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the cross-process runbook lease when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type RunbooksConfig struct {
	Dir            string `yaml:"dir"`
	FeedbackWindow int    `yaml:"feedback_window"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type StreamConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	BatchSize    int           `yaml:"batch_size"`
}

type InvokerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig enables the digest email when the API key, sender and
// recipient are all set.
type NotifyConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromName       string `yaml:"from_name"`
	FromAddress    string `yaml:"from_address"`
	To             string `yaml:"to"`
}

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			LeaseTTL: 30 * time.Minute,
		},
		Runbooks: RunbooksConfig{
			Dir:            "./runbooks",
			FeedbackWindow: 50,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 15 * time.Second,
		},
		Stream: StreamConfig{
			PollInterval: 500 * time.Millisecond,
			Heartbeat:    15 * time.Second,
			BatchSize:    200,
		},
		Invoker: InvokerConfig{
			Timeout: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			FromName: "Deskmate",
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("RUNBOOKS_DIR", &c.Runbooks.Dir)
	str("INVOKER_URL", &c.Invoker.URL)
	str("INVOKER_API_KEY", &c.Invoker.APIKey)
	str("INVOKER_MODEL", &c.Invoker.Model)
	str("SENDGRID_API_KEY", &c.Notify.SendGridAPIKey)
	str("FROM_NAME", &c.Notify.FromName)
	str("FROM_ADDRESS", &c.Notify.FromAddress)
	str("DIGEST_TO", &c.Notify.To)
	str("WORKER_ID", &c.Worker.ID)
	str("LOG_LEVEL", &c.LogLevel)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCHEDULER_TICK", &c.Scheduler.TickInterval},
		{"WORKER_POLL_INTERVAL", &c.Worker.PollInterval},
		{"LEASE_TTL", &c.Redis.LeaseTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("FEEDBACK_WINDOW"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FEEDBACK_WINDOW: %w", err)
		}
		c.Runbooks.FeedbackWindow = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres dsn is required"))
	}
	if c.Invoker.URL == "" {
		errs = append(errs, errors.New("invoker url is required"))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"stream.poll_interval", c.Stream.PollInterval},
		{"stream.heartbeat", c.Stream.Heartbeat},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("redis.lease_ttl must be positive, got %s", c.Redis.LeaseTTL))
	}
	if c.Stream.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.batch_size must be positive, got %d", c.Stream.BatchSize))
	}
	if c.Runbooks.FeedbackWindow < 0 {
		errs = append(errs, fmt.Errorf("runbooks.feedback_window must not be negative, got %d", c.Runbooks.FeedbackWindow))
	}

	return errors.Join(errs...)
}
