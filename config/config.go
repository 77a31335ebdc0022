package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow  BookflowConfig  `yaml:"bookflow"`
	Pair      string          `yaml:"pair"`
	Feed      FeedConfig      `yaml:"feed"`
	Book      BookConfig      `yaml:"book"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Capture   CaptureConfig   `yaml:"capture"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Storage   StorageConfig   `yaml:"storage"`
	Mock      MockConfig      `yaml:"mock"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// FeedConfig selects the live or mock endpoint. Both speak the same
// wire contract; mode only changes where the transport dials.
type FeedConfig struct {
	Mode            string `yaml:"mode"` // "live" or "mock"
	LiveURL         string `yaml:"live_url"`
	MockURL         string `yaml:"mock_url"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// URL returns the endpoint for the configured mode.
func (f FeedConfig) URL() string {
	if f.Mode == FeedModeMock {
		return f.MockURL
	}
	return f.LiveURL
}

const (
	FeedModeLive = "live"
	FeedModeMock = "mock"
)

type BookConfig struct {
	Depth int `yaml:"depth"`
}

type AnalyticsConfig struct {
	MovingAveragePeriod int `yaml:"moving_average_period"`
}

// ReconnectConfig shapes the exponential backoff between connection
// attempts. MaxValidationFailures escalates to a fatal stop after that
// many consecutive protocol validation failures; zero keeps retrying
// forever.
type ReconnectConfig struct {
	BaseDelayMs           int `yaml:"base_delay_ms"`
	MaxDelayMs            int `yaml:"max_delay_ms"`
	MaxValidationFailures int `yaml:"max_validation_failures"`
}

func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

type ChannelsConfig struct {
	EventBuffer   int `yaml:"event_buffer"`
	MetricsBuffer int `yaml:"metrics_buffer"`
	RawBuffer     int `yaml:"raw_buffer"`
}

// CaptureConfig gates raw-message persistence to per-pair JSON-lines
// files.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ArchiveConfig gates the parquet metrics archive.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	Compression     string `yaml:"compression"`
}

func (a ArchiveConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MockConfig shapes the synthetic feed server.
type MockConfig struct {
	Addr             string `yaml:"addr"`
	SnapshotLevels   int    `yaml:"snapshot_levels"`
	UpdateCount      int    `yaml:"update_count"`
	UpdateIntervalMs int    `yaml:"update_interval_ms"`
}

func (m MockConfig) UpdateInterval() time.Duration {
	return time.Duration(m.UpdateIntervalMs) * time.Millisecond
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads, environment-overrides and validates the
// configuration. Any error it returns is configuration-class: the
// process must not retry around it.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Feed: FeedConfig{
			Mode:            FeedModeLive,
			MaxMessageBytes: 8 * 1024 * 1024,
		},
		Book:      BookConfig{Depth: 50},
		Analytics: AnalyticsConfig{MovingAveragePeriod: 10},
		Reconnect: ReconnectConfig{BaseDelayMs: 1000, MaxDelayMs: 60000},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides is the container deployment surface: PRODUCT_ID,
// USE_MOCKED_FEED, L2UPDATE_COUNT and DATA_STORE override the file, as
// do the usual AWS variables.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PRODUCT_ID"); v != "" {
		config.Pair = strings.TrimSpace(v)
	}
	if v := os.Getenv("USE_MOCKED_FEED"); strings.EqualFold(strings.TrimSpace(v), "true") {
		config.Feed.Mode = FeedModeMock
	}
	if v := os.Getenv("L2UPDATE_COUNT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			config.Mock.UpdateCount = n
		}
	}
	if v := os.Getenv("DATA_STORE"); strings.EqualFold(strings.TrimSpace(v), "true") {
		config.Capture.Enabled = true
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Pair == "" {
		return fmt.Errorf("pair is required (set it in the config file or via PRODUCT_ID)")
	}

	switch cfg.Feed.Mode {
	case FeedModeLive:
		if cfg.Feed.LiveURL == "" {
			return fmt.Errorf("feed.live_url is required in live mode")
		}
	case FeedModeMock:
		if cfg.Feed.MockURL == "" {
			return fmt.Errorf("feed.mock_url is required in mock mode")
		}
	default:
		return fmt.Errorf("feed.mode must be %q or %q, got %q", FeedModeLive, FeedModeMock, cfg.Feed.Mode)
	}

	if cfg.Feed.MaxMessageBytes <= 0 {
		return fmt.Errorf("feed.max_message_bytes must be greater than 0")
	}

	if cfg.Book.Depth <= 0 {
		return fmt.Errorf("book.depth must be greater than 0")
	}
	if cfg.Analytics.MovingAveragePeriod <= 0 {
		return fmt.Errorf("analytics.moving_average_period must be greater than 0")
	}

	if cfg.Reconnect.BaseDelayMs <= 0 {
		return fmt.Errorf("reconnect.base_delay_ms must be greater than 0")
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.BaseDelayMs {
		return fmt.Errorf("reconnect.max_delay_ms must not be less than reconnect.base_delay_ms")
	}
	if cfg.Reconnect.MaxValidationFailures < 0 {
		return fmt.Errorf("reconnect.max_validation_failures must not be negative")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.MetricsBuffer <= 0 {
		return fmt.Errorf("channels.metrics_buffer must be greater than 0")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Capture.Enabled && cfg.Capture.Dir == "" {
		return fmt.Errorf("capture.dir is required when capture is enabled")
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.Dir == "" && !cfg.Storage.S3.Enabled {
			return fmt.Errorf("archive.dir or storage.s3 is required when the metrics archive is enabled")
		}
		if cfg.Archive.FlushIntervalMs <= 0 {
			return fmt.Errorf("archive.flush_interval_ms must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if !s3BucketPattern.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}
