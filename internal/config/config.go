// This file defines the configuration structure for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	CatalogBridge = "bridge"
	CatalogMock   = "mock"
)

// Downloads holds the monitor and worker settings.
type Downloads struct {
	RootDir                string `mapstructure:"root_dir"`
	MonitorIntervalSeconds int    `mapstructure:"monitor_interval_seconds"`
	WorkerIntervalSeconds  int    `mapstructure:"worker_interval_seconds"`
	MonitorBatchSize       int    `mapstructure:"monitor_batch_size"`
	WorkerBatchSize        int    `mapstructure:"worker_batch_size"`
	MaxAttempts            int    `mapstructure:"max_attempts"`
	PageRetryCount         int    `mapstructure:"page_retry_count"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	RetryBaseSeconds       int    `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds        int    `mapstructure:"retry_max_seconds"`
	StaleClaimMinutes      int    `mapstructure:"stale_claim_minutes"`
	WriteArchive           bool   `mapstructure:"write_archive"`
}

// Catalog selects and configures the remote catalog client.
type Catalog struct {
	Backend            string `mapstructure:"backend"`
	BridgeURL          string `mapstructure:"bridge_url"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Downloads Downloads `mapstructure:"downloads"`
	Catalog   Catalog   `mapstructure:"catalog"`
	CORS      struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct. A .env file in
// the same directory is loaded into the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")

	// MANGARR_DOWNLOADS_ROOT_DIR overrides `downloads.root_dir`.
	v.SetEnvPrefix("MANGARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database.path", "./mangarr.db")

	v.SetDefault("downloads.root_dir", "./downloads")
	v.SetDefault("downloads.monitor_interval_seconds", 900)
	v.SetDefault("downloads.worker_interval_seconds", 20)
	v.SetDefault("downloads.monitor_batch_size", 100)
	v.SetDefault("downloads.worker_batch_size", 3)
	v.SetDefault("downloads.max_attempts", 4)
	v.SetDefault("downloads.page_retry_count", 2)
	v.SetDefault("downloads.request_timeout_seconds", 30)
	v.SetDefault("downloads.retry_base_seconds", 30)
	v.SetDefault("downloads.retry_max_seconds", 1800)
	v.SetDefault("downloads.stale_claim_minutes", 30)
	v.SetDefault("downloads.write_archive", false)

	v.SetDefault("catalog.backend", CatalogBridge)
	v.SetDefault("catalog.bridge_url", "http://127.0.0.1:4567/rpc")
	v.SetDefault("catalog.call_timeout_seconds", 30)

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Validate rejects settings the scheduler and worker cannot run with.
func (c *Config) Validate() error {
	d := c.Downloads
	switch {
	case d.RootDir == "":
		return fmt.Errorf("downloads.root_dir must be set")
	case d.MonitorIntervalSeconds <= 0 || d.WorkerIntervalSeconds <= 0:
		return fmt.Errorf("downloads intervals must be positive")
	case d.MonitorBatchSize < 1 || d.MonitorBatchSize > 200:
		return fmt.Errorf("downloads.monitor_batch_size must be between 1 and 200")
	case d.WorkerBatchSize < 1 || d.WorkerBatchSize > 50:
		return fmt.Errorf("downloads.worker_batch_size must be between 1 and 50")
	case d.MaxAttempts < 1:
		return fmt.Errorf("downloads.max_attempts must be at least 1")
	case d.RequestTimeoutSeconds < 1:
		return fmt.Errorf("downloads.request_timeout_seconds must be at least 1")
	case d.PageRetryCount < 0:
		return fmt.Errorf("downloads.page_retry_count must not be negative")
	case d.RetryBaseSeconds <= 0 || d.RetryMaxSeconds < d.RetryBaseSeconds:
		return fmt.Errorf("downloads retry delays are invalid")
	}

	switch c.Catalog.Backend {
	case CatalogBridge:
		if c.Catalog.BridgeURL == "" {
			return fmt.Errorf("catalog.bridge_url must be set for the bridge backend")
		}
	case CatalogMock:
	default:
		return fmt.Errorf("unknown catalog.backend %q", c.Catalog.Backend)
	}
	return nil
}
