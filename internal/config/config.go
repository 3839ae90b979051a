package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Engine         EngineConfig         `yaml:"engine"`
	Alert          AlertConfig          `yaml:"alert"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds settings for the delayed job queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds settings for the notification producer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// EngineConfig holds lifecycle engine timing and worker settings.
type EngineConfig struct {
	// ReservationWindow is how long an assigned bidder has to complete
	// the purchase before the reservation cascades to the next bidder.
	ReservationWindow time.Duration `yaml:"reservation_window"`
	// PaymentGraceAuction is the pending-payment grace period for
	// auction-won orders. Short: the buyer already sat through the
	// reservation window.
	PaymentGraceAuction time.Duration `yaml:"payment_grace_auction"`
	// PaymentGraceFixedPrice is the pending-payment grace period for
	// fixed-price orders.
	PaymentGraceFixedPrice time.Duration `yaml:"payment_grace_fixed_price"`
	// PaymentSweepInterval is how often stalled orders are scanned.
	PaymentSweepInterval time.Duration `yaml:"payment_sweep_interval"`
	// RecoverySweepInterval is how often active listings are checked
	// for missing close/timeout jobs.
	RecoverySweepInterval time.Duration `yaml:"recovery_sweep_interval"`
	// Workers is the number of concurrent job handler goroutines.
	Workers int `yaml:"workers"`
	// JobPollInterval is how often a worker polls for due jobs.
	JobPollInterval time.Duration `yaml:"job_poll_interval"`
	// JobMaxAttempts bounds retries before a job is dead-lettered.
	JobMaxAttempts int `yaml:"job_max_attempts"`
	// JobBackoffBase is the first retry delay; it doubles per attempt.
	JobBackoffBase time.Duration `yaml:"job_backoff_base"`
	// JobBackoffMax caps the retry delay.
	JobBackoffMax time.Duration `yaml:"job_backoff_max"`
}

// AlertConfig holds operator alerting settings.
type AlertConfig struct {
	// DiscordWebhookID and DiscordWebhookToken identify the channel
	// webhook that receives dead-letter alerts. Alerting is disabled
	// when either is empty.
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
}

// Load reads a YAML configuration file from the given path. Values may
// reference environment variables with ${VAR} syntax, which is expanded
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "marketplace.notifications",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auction-engine",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auction-engine-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Engine: EngineConfig{
			ReservationWindow:      48 * time.Hour,
			PaymentGraceAuction:    1 * time.Hour,
			PaymentGraceFixedPrice: 24 * time.Hour,
			PaymentSweepInterval:   5 * time.Minute,
			RecoverySweepInterval:  10 * time.Minute,
			Workers:                4,
			JobPollInterval:        time.Second,
			JobMaxAttempts:         5,
			JobBackoffBase:         2 * time.Second,
			JobBackoffMax:          5 * time.Minute,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.Engine.ReservationWindow <= 0 {
		return fmt.Errorf("engine.reservation_window must be positive, got %s", c.Engine.ReservationWindow)
	}
	if c.Engine.PaymentGraceAuction <= 0 || c.Engine.PaymentGraceFixedPrice <= 0 {
		return fmt.Errorf("engine payment grace periods must be positive")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.JobMaxAttempts < 1 {
		return fmt.Errorf("engine.job_max_attempts must be at least 1, got %d", c.Engine.JobMaxAttempts)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	return nil
}
