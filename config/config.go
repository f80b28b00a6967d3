package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when no -config flag is given.
	DefaultConfigPath = "config/config.yml"

	defaultCoinGeckoURL      = "https://api.coingecko.com/api/v3"
	defaultOrder             = "volume_desc"
	defaultRequestsPerMinute = 30
	defaultInterval          = 60 * time.Second
)

type Config struct {
	Tickerflow TickerflowConfig `yaml:"tickerflow"`
	Source     SourceConfig     `yaml:"source"`
	Collector  CollectorConfig  `yaml:"collector"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TickerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	CoinGecko CoinGeckoConfig `yaml:"coingecko"`
}

type CoinGeckoConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Page              int           `yaml:"page"`
	Order             string        `yaml:"order"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// CollectorConfig drives the fetch/persist loop. Series and snapshot files
// live under DataDir/<asset id>/.
type CollectorConfig struct {
	Interval time.Duration `yaml:"interval"`
	DataDir  string        `yaml:"data_dir"`
}

type WriterConfig struct {
	Formats FormatsConfig `yaml:"formats"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
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
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Tickerflow: TickerflowConfig{
			Name:    "tickerflow",
			Version: "1.0.0",
		},
		Source: SourceConfig{
			CoinGecko: CoinGeckoConfig{
				BaseURL:           defaultCoinGeckoURL,
				Page:              1,
				Order:             defaultOrder,
				RequestsPerMinute: defaultRequestsPerMinute,
			},
		},
		Collector: CollectorConfig{
			Interval: defaultInterval,
			DataDir:  ".",
		},
		Writer: WriterConfig{
			Formats: FormatsConfig{
				Parquet: ParquetConfig{Compression: "snappy"},
			},
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{
				Namespace:     "Tickerflow",
				DashboardName: "Tickerflow",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default. A missing file at
// DefaultConfigPath is not an error; any other missing path is.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	resolved := ResolveConfigPath(path)
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && (path == "" || path == DefaultConfigPath):
		// built-in defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		config.Source.CoinGecko.APIKey = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
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
}

func validateConfig(cfg *Config) error {
	if cfg.Tickerflow.Name == "" {
		return fmt.Errorf("tickerflow.name is required")
	}

	if cfg.Tickerflow.Version == "" {
		return fmt.Errorf("tickerflow.version is required")
	}

	if strings.TrimSpace(cfg.Source.CoinGecko.BaseURL) == "" {
		return fmt.Errorf("source.coingecko.base_url is required")
	}
	if cfg.Source.CoinGecko.Page < 1 {
		return fmt.Errorf("source.coingecko.page must be at least 1")
	}
	if cfg.Source.CoinGecko.Timeout < 0 {
		return fmt.Errorf("source.coingecko.timeout must not be negative")
	}
	if cfg.Source.CoinGecko.RequestsPerMinute < 0 {
		return fmt.Errorf("source.coingecko.requests_per_minute must not be negative")
	}

	if cfg.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be greater than 0")
	}
	if cfg.Collector.DataDir == "" {
		return fmt.Errorf("collector.data_dir is required")
	}

	switch strings.ToLower(cfg.Writer.Formats.Parquet.Compression) {
	case "", "snappy", "gzip", "none":
	default:
		return fmt.Errorf("writer.formats.parquet.compression '%s' is not supported", cfg.Writer.Formats.Parquet.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
