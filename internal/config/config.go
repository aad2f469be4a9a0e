// Package config provides unified configuration for the pulselog agent
// and library.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for the event database and local
	// archive output.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Collector configuration
	Collector CollectorConfig `json:"collector" yaml:"collector"`

	// Upload scheduling configuration
	Upload UploadConfig `json:"upload" yaml:"upload"`

	// Retention configuration
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// HTTP configuration for the agent API
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Device identification attached to upload envelopes
	Device DeviceConfig `json:"device" yaml:"device"`
}

// CollectorConfig holds the outbound collector endpoint configuration.
type CollectorConfig struct {
	// BaseURL is the collector base URL; batches POST to
	// <base_url>/analytics/batch_upload.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// RequestTimeout bounds each upload request.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// UploadConfig holds upload scheduling configuration.
type UploadConfig struct {
	// Interval between periodic upload attempts.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// PendingThreshold is the pending-event count above which a
	// background transition triggers an immediate upload.
	PendingThreshold int64 `json:"pending_threshold" yaml:"pending_threshold"`

	// BatchLimit caps events per upload cycle. 0 means unlimited.
	BatchLimit int `json:"batch_limit" yaml:"batch_limit"`

	// BackoffMin and BackoffMax bound the failure backoff window.
	BackoffMin time.Duration `json:"backoff_min" yaml:"backoff_min"`
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// RetentionConfig holds retention sweeper configuration.
type RetentionConfig struct {
	// HorizonDays is the age in days past which sent events are purged.
	HorizonDays int `json:"horizon_days" yaml:"horizon_days"`

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// ArchiveConfig holds the archive sink configuration.
type ArchiveConfig struct {
	// Enabled controls whether swept events are archived before deletion.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the archive storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// HTTPConfig holds the agent HTTP API configuration.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the HTTP API.
	Addr string `json:"addr" yaml:"addr"`

	// Metrics controls whether /metrics is served.
	Metrics bool `json:"metrics" yaml:"metrics"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DeviceConfig identifies the reporting device.
type DeviceConfig struct {
	Model         string `json:"model" yaml:"model"`
	SystemVersion string `json:"system_version" yaml:"system_version"`
	AppVersion    string `json:"app_version" yaml:"app_version"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/pulselog",
		Collector: CollectorConfig{
			RequestTimeout: 30 * time.Second,
		},
		Upload: UploadConfig{
			Interval:         24 * time.Hour,
			PendingThreshold: 2000,
			BatchLimit:       5000,
			BackoffMin:       time.Minute,
			BackoffMax:       time.Hour,
		},
		Retention: RetentionConfig{
			HorizonDays:   30,
			SweepInterval: 6 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "local",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			Metrics:      true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/pulselog"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// StorePath returns the path to the event database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "events.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Collector.BaseURL == "" {
		return fmt.Errorf("collector.base_url is required")
	}

	if c.Upload.PendingThreshold < 0 {
		return fmt.Errorf("upload.pending_threshold must not be negative, got %d", c.Upload.PendingThreshold)
	}

	if c.Retention.HorizonDays < 1 {
		return fmt.Errorf("retention.horizon_days must be at least 1, got %d", c.Retention.HorizonDays)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}

	if c.Archive.Enabled && c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PULSELOG_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PULSELOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PULSELOG_COLLECTOR_BASE_URL"); v != "" {
		cfg.Collector.BaseURL = v
	}
	if v := os.Getenv("PULSELOG_COLLECTOR_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collector.RequestTimeout = d
		}
	}

	// Upload configuration
	if v := os.Getenv("PULSELOG_UPLOAD_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upload.Interval = d
		}
	}
	if v := os.Getenv("PULSELOG_UPLOAD_PENDING_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Upload.PendingThreshold = n
		}
	}
	if v := os.Getenv("PULSELOG_UPLOAD_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Upload.BatchLimit = n
		}
	}

	// Retention configuration
	if v := os.Getenv("PULSELOG_RETENTION_HORIZON_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.HorizonDays = n
		}
	}
	if v := os.Getenv("PULSELOG_RETENTION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.SweepInterval = d
		}
	}

	// Archive configuration
	if v := os.Getenv("PULSELOG_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PULSELOG_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("PULSELOG_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("PULSELOG_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("PULSELOG_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("PULSELOG_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	// HTTP configuration
	if v := os.Getenv("PULSELOG_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PULSELOG_HTTP_METRICS"); v != "" {
		cfg.HTTP.Metrics = v == "true" || v == "1"
	}

	// Device identification
	if v := os.Getenv("PULSELOG_DEVICE_MODEL"); v != "" {
		cfg.Device.Model = v
	}
	if v := os.Getenv("PULSELOG_DEVICE_SYSTEM_VERSION"); v != "" {
		cfg.Device.SystemVersion = v
	}
	if v := os.Getenv("PULSELOG_APP_VERSION"); v != "" {
		cfg.Device.AppVersion = v
	}
}
