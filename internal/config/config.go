// Package config loads engine configuration from an optional YAML file with
// environment variable overrides (prefix OPENSOC_).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for one engine instance.
type Config struct {
	// Workers is the size of the analysis worker pool.
	Workers int `mapstructure:"workers"`
	// QueueCapacity is the admission queue's buffer size.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// MaxBatchAttempts bounds retries of a single batch.
	MaxBatchAttempts int `mapstructure:"max_batch_attempts"`
	// AlertThreshold is the minimum severity materialized as an alert.
	AlertThreshold string `mapstructure:"alert_threshold"`

	// LogDir is the root directory of ingested log files.
	LogDir string `mapstructure:"log_dir"`

	Classifier ClassifierConfig `mapstructure:"classifier"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

// ClassifierConfig configures the external analysis service client.
type ClassifierConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// KafkaConfig configures lifecycle event publishing. Leaving Brokers empty
// disables publishing.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// Load reads engine.yaml from the given path (or the working directory when
// empty) and applies OPENSOC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("OPENSOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workers", 4)
	v.SetDefault("queue_capacity", 256)
	v.SetDefault("max_batch_attempts", 3)
	v.SetDefault("alert_threshold", "HIGH")
	v.SetDefault("log_dir", "/var/lib/opensoc/logs")
	// Registering every key lets AutomaticEnv feed Unmarshal for values that
	// only arrive through the environment.
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.timeout", 60*time.Second)
	v.SetDefault("classifier.requests_per_second", 5.0)
	v.SetDefault("classifier.burst", 2)
	v.SetDefault("kafka.brokers", []string(nil))
	v.SetDefault("kafka.topic", "analysis-job-lifecycle")
	v.SetDefault("kafka.client_id", "analysis-engine")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine; env and defaults carry the config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Classifier.Endpoint == "" {
		return nil, errors.New("classifier endpoint is required (classifier.endpoint / OPENSOC_CLASSIFIER_ENDPOINT)")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}

	return &cfg, nil
}
