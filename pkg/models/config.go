package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogSettings     `yaml:"log" json:"log" mapstructure:"log"`
	Probe     ProbeConfig     `yaml:"probe" json:"probe" mapstructure:"probe"`
	Batch     BatchConfig     `yaml:"batch" json:"batch" mapstructure:"batch"`
	Storage   StorageConfig   `yaml:"storage" json:"storage" mapstructure:"storage"`
	API       APIConfig       `yaml:"api" json:"api" mapstructure:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

type LogSettings struct {
	Level      string `yaml:"level" json:"level" mapstructure:"level"`
	Format     string `yaml:"format" json:"format" mapstructure:"format"`
	File       string `yaml:"file" json:"file" mapstructure:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress" mapstructure:"compress"`
}

type ProbeConfig struct {
	Port           int           `yaml:"port" json:"port" mapstructure:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
}

type BatchConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency" mapstructure:"max_concurrency"`
	RateLimit      float64       `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst" json:"rate_burst" mapstructure:"rate_burst"`
	BatchTimeout   time.Duration `yaml:"batch_timeout" json:"batch_timeout" mapstructure:"batch_timeout"`
}

type StorageConfig struct {
	Driver       string `yaml:"driver" json:"driver" mapstructure:"driver"`
	DSN          string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" mapstructure:"log_queries"`
}

type APIConfig struct {
	Listen          string        `yaml:"listen" json:"listen" mapstructure:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	JobCacheSize    int           `yaml:"job_cache_size" json:"job_cache_size" mapstructure:"job_cache_size"`
	DefaultPageSize int           `yaml:"default_page_size" json:"default_page_size" mapstructure:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size" json:"max_page_size" mapstructure:"max_page_size"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RuntimeMetrics bool   `yaml:"runtime_metrics" json:"runtime_metrics" mapstructure:"runtime_metrics"`
	Listen         string `yaml:"listen" json:"listen" mapstructure:"listen"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Probe: ProbeConfig{
			Port:           443,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    10 * time.Second,
		},
		Batch: BatchConfig{
			MaxConcurrency: 10,
			RateBurst:      1,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "certlynx.db",
			MaxOpenConns: 10,
		},
		API: APIConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			JobCacheSize:    256,
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			RuntimeMetrics: true,
		},
	}
}

func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (json, text)", c.Log.Format))
	}

	if c.Probe.Port <= 0 || c.Probe.Port > 65535 {
		errs = append(errs, "probe.port must be in [1,65535]")
	}
	if c.Probe.ConnectTimeout <= 0 {
		errs = append(errs, "probe.connect_timeout must be > 0")
	}
	if c.Probe.ReadTimeout <= 0 {
		errs = append(errs, "probe.read_timeout must be > 0")
	}

	if c.Batch.MaxConcurrency <= 0 {
		errs = append(errs, "batch.max_concurrency must be > 0")
	}
	if c.Batch.RateLimit < 0 {
		errs = append(errs, "batch.rate_limit must be >= 0")
	}
	if c.Batch.RateLimit > 0 && c.Batch.RateBurst <= 0 {
		errs = append(errs, "batch.rate_burst must be > 0 when rate_limit is set")
	}
	if c.Batch.BatchTimeout < 0 {
		errs = append(errs, "batch.batch_timeout must be >= 0")
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (sqlite, postgres)", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, "storage.dsn must not be empty")
	}

	if c.API.Listen == "" {
		errs = append(errs, "api.listen must not be empty")
	}
	if c.API.JobCacheSize <= 0 {
		errs = append(errs, "api.job_cache_size must be > 0")
	}
	if c.API.DefaultPageSize <= 0 || c.API.MaxPageSize < c.API.DefaultPageSize {
		errs = append(errs, "api.default_page_size must be > 0 and <= api.max_page_size")
	}

	if c.Scheduler.Interval < 0 {
		errs = append(errs, "scheduler.interval must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically write config: %w", err)
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	}

	return c.Validate()
}
