package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"offline_sync.db"`

	CatalogBaseURL     string `envconfig:"CATALOG_BASE_URL"`
	CDNBaseURL         string `envconfig:"CDN_BASE_URL"`
	RecommenderBaseURL string `envconfig:"RECOMMENDER_BASE_URL"`
	AnalyticsURL       string `envconfig:"ANALYTICS_URL"`

	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"3"`
	LeaseTTL               time.Duration `envconfig:"LEASE_TTL" default:"5m"`
	CleanupInterval        time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	SmartDownloadInterval  time.Duration `envconfig:"SMART_DOWNLOAD_INTERVAL" default:"1h"`
	PrefsCacheTTL          time.Duration `envconfig:"PREFS_CACHE_TTL" default:"5m"`
	PlayAttributionWindow  time.Duration `envconfig:"PLAY_ATTRIBUTION_WINDOW" default:"48h"`
	StorageHeadroomPercent int           `envconfig:"STORAGE_HEADROOM_PERCENT" default:"10"`
	LogLevel               string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
