// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds settings shared by the medication binaries.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	OTLPEndpoint string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSample  float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// SweepCron is the dose scheduler's cron expression.
	SweepCron string `mapstructure:"SWEEP_CRON"`
	// SweepWindow is how far ahead each sweep materializes due doses.
	SweepWindow time.Duration `mapstructure:"SWEEP_WINDOW"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "dose-scheduler")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SWEEP_CRON", "*/15 * * * *")
	v.SetDefault("SWEEP_WINDOW", "24h")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"KAFKA_BROKERS", "CONSUMER_GROUP", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
		"CORS_ORIGINS", "SWEEP_CRON", "SWEEP_WINDOW",
		"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
	} {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.KafkaBrokers == nil {
		if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.SweepWindow <= 0 {
		return fmt.Errorf("SWEEP_WINDOW must be positive")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}
