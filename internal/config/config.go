package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string
	Port        string
	Env         string
	StoreDriver string

	RateLimitPerMinute int
	IdempotencyTTL     time.Duration

	Processor ProcessorConfig
	Dispatch  RetryConfig
	Webhook   WebhookConfig

	WorkerCount     int
	WorkerQueueSize int

	RecoveryInterval        time.Duration
	StuckTransactionTimeout time.Duration
}

type ProcessorConfig struct {
	SuccessRate   float64
	ErrorRate     float64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	RefundLatency time.Duration
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
}

type WebhookConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	SweepInterval time.Duration
	DefaultSecret string
	Timeout       time.Duration
	ClaimTTL      time.Duration
}

func defaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("store_driver", DriverPostgres)

	v.SetDefault("rate_limit_requests_per_minute", 120)
	v.SetDefault("idempotency_ttl", 24*time.Hour)

	v.SetDefault("processor_success_rate", 0.9)
	v.SetDefault("processor_error_rate", 0.0)
	v.SetDefault("processor_min_latency", time.Second)
	v.SetDefault("processor_max_latency", 3*time.Second)
	v.SetDefault("refund_latency", 500*time.Millisecond)

	v.SetDefault("dispatch_max_attempts", 3)
	v.SetDefault("dispatch_initial_backoff", 2*time.Second)
	v.SetDefault("dispatch_backoff_multiplier", 2.0)

	v.SetDefault("webhook_max_attempts", 5)
	v.SetDefault("webhook_initial_delay", time.Second)
	v.SetDefault("webhook_multiplier", 2.0)
	v.SetDefault("webhook_sweep_interval", 60*time.Second)
	v.SetDefault("webhook_default_secret", "default-secret")
	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("webhook_claim_ttl", 30*time.Second)

	v.SetDefault("worker_count", 8)
	v.SetDefault("worker_queue_size", 1024)

	v.SetDefault("recovery_interval", time.Minute)
	v.SetDefault("stuck_transaction_timeout", 5*time.Minute)
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unable to read .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	cfg := &Config{
		DBSource:    v.GetString("db_source"),
		Port:        v.GetString("server_port"),
		Env:         v.GetString("environment"),
		StoreDriver: v.GetString("store_driver"),

		RateLimitPerMinute: v.GetInt("rate_limit_requests_per_minute"),
		IdempotencyTTL:     v.GetDuration("idempotency_ttl"),

		Processor: ProcessorConfig{
			SuccessRate:   v.GetFloat64("processor_success_rate"),
			ErrorRate:     v.GetFloat64("processor_error_rate"),
			MinLatency:    v.GetDuration("processor_min_latency"),
			MaxLatency:    v.GetDuration("processor_max_latency"),
			RefundLatency: v.GetDuration("refund_latency"),
		},
		Dispatch: RetryConfig{
			MaxAttempts:    v.GetInt("dispatch_max_attempts"),
			InitialBackoff: v.GetDuration("dispatch_initial_backoff"),
			Multiplier:     v.GetFloat64("dispatch_backoff_multiplier"),
		},
		Webhook: WebhookConfig{
			MaxAttempts:   v.GetInt("webhook_max_attempts"),
			InitialDelay:  v.GetDuration("webhook_initial_delay"),
			Multiplier:    v.GetFloat64("webhook_multiplier"),
			SweepInterval: v.GetDuration("webhook_sweep_interval"),
			DefaultSecret: v.GetString("webhook_default_secret"),
			Timeout:       v.GetDuration("webhook_timeout"),
			ClaimTTL:      v.GetDuration("webhook_claim_ttl"),
		},

		WorkerCount:     v.GetInt("worker_count"),
		WorkerQueueSize: v.GetInt("worker_queue_size"),

		RecoveryInterval:        v.GetDuration("recovery_interval"),
		StuckTransactionTimeout: v.GetDuration("stuck_transaction_timeout"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive")
	}
	if c.Processor.SuccessRate < 0 || c.Processor.SuccessRate > 1 || c.Processor.ErrorRate < 0 || c.Processor.ErrorRate > 1 {
		return fmt.Errorf("processor rates must be within [0, 1]")
	}
	if c.Processor.MaxLatency < c.Processor.MinLatency {
		return fmt.Errorf("PROCESSOR_MAX_LATENCY must not be below PROCESSOR_MIN_LATENCY")
	}
	if c.Dispatch.MaxAttempts < 1 || c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
