package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `tickerflow:
  name: "TestApp"
  version: "1.0"
collector:
  interval: 5s
  data_dir: "/tmp/data"
source:
  coingecko:
    page: 2
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickerflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickerflow.Name)
	}
	if cfg.Collector.Interval != 5*time.Second {
		t.Errorf("unexpected interval: %s", cfg.Collector.Interval)
	}
	if cfg.Collector.DataDir != "/tmp/data" {
		t.Errorf("unexpected data dir: %s", cfg.Collector.DataDir)
	}
	if cfg.Source.CoinGecko.Page != 2 {
		t.Errorf("unexpected page: %d", cfg.Source.CoinGecko.Page)
	}
	// untouched keys keep their defaults
	if cfg.Source.CoinGecko.BaseURL != defaultCoinGeckoURL {
		t.Errorf("unexpected base url: %s", cfg.Source.CoinGecko.BaseURL)
	}
	if cfg.Source.CoinGecko.Timeout != 0 {
		t.Errorf("expected no request deadline by default, got %s", cfg.Source.CoinGecko.Timeout)
	}
}

func TestLoadConfigDefaultPathMissing(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APP_ENV", "")

	cfg, err := LoadConfig(DefaultConfigPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Collector.Interval != 60*time.Second {
		t.Errorf("unexpected default interval: %s", cfg.Collector.Interval)
	}
	if cfg.Collector.DataDir != "." {
		t.Errorf("unexpected default data dir: %s", cfg.Collector.DataDir)
	}
}

func TestLoadConfigExplicitPathMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigInvalidInterval(t *testing.T) {
	path := writeTempConfig(t, `collector:
  interval: 0s
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for zero interval")
	}
}

func TestLoadConfigS3EnvOverride(t *testing.T) {
	path := writeTempConfig(t, `storage:
  s3:
    enabled: true
    bucket: "from-file"
    region: "eu-west-1"
`)
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("AWS_REGION", "")
	t.Setenv("COINGECKO_API_KEY", "demo-key")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "from-env" {
		t.Errorf("expected env bucket, got %s", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("expected file region, got %s", cfg.Storage.S3.Region)
	}
	if cfg.Source.CoinGecko.APIKey != "demo-key" {
		t.Errorf("expected env api key, got %s", cfg.Source.CoinGecko.APIKey)
	}
}

func TestLoadConfigRejectsCompression(t *testing.T) {
	path := writeTempConfig(t, `writer:
  formats:
    parquet:
      compression: "brotli"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported compression")
	}
}

func TestResolveConfigPath(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APP_ENV", "prod")

	if got := ResolveConfigPath(DefaultConfigPath); got != DefaultConfigPath {
		t.Fatalf("expected default path without env file, got %s", got)
	}

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile("config/config.production.yml", []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := ResolveConfigPath(DefaultConfigPath); got != "config/config.production.yml" {
		t.Fatalf("expected production path, got %s", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Fatalf("explicit path must win, got %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
