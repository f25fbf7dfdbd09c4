// Package config loads and validates dsdown configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site      SiteConfig      `mapstructure:"site"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Storage   StorageConfig   `mapstructure:"storage"`
	State     StateConfig     `mapstructure:"state"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SiteConfig describes the catalog site and how politely it is crawled.
type SiteConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxFeedPages      int     `mapstructure:"max_feed_pages"`
}

// DownloadsConfig sets the rolling budget and where archives land.
type DownloadsConfig struct {
	MaxPerWindow            int           `mapstructure:"max_per_window"`
	Window                  time.Duration `mapstructure:"window"`
	DefaultDir              string        `mapstructure:"default_dir"`
	IncludeSeriesInFilename bool          `mapstructure:"include_series_in_filename"`
}

// ArchiveConfig lists the extraction tools tried for non-zip archives.
type ArchiveConfig struct {
	Tools      []string `mapstructure:"tools"`
	ScratchDir string   `mapstructure:"scratch_dir"`
}

// StorageConfig selects the registry backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// StateConfig locates the cursor file and the single-writer lock.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk and the environment. Environment variables
// use the DSDOWN_ prefix, e.g. DSDOWN_DOWNLOADS_MAX_PER_WINDOW.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DSDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://dynasty-scans.com")
	v.SetDefault("site.user_agent", "")
	v.SetDefault("site.timeout_seconds", 30)
	v.SetDefault("site.requests_per_second", 1.0)
	v.SetDefault("site.burst", 2)
	v.SetDefault("site.max_feed_pages", 20)
	v.SetDefault("downloads.max_per_window", 8)
	v.SetDefault("downloads.window", "24h")
	v.SetDefault("downloads.default_dir", "~/Downloads/dsdown")
	v.SetDefault("downloads.include_series_in_filename", true)
	v.SetDefault("archive.tools", []string{"7z", "unar"})
	v.SetDefault("archive.scratch_dir", "")
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("state.dir", "~/.config/dsdown")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.Site.TimeoutSeconds <= 0 {
		return fmt.Errorf("site.timeout_seconds must be > 0")
	}
	if c.Site.RequestsPerSecond < 0 {
		return fmt.Errorf("site.requests_per_second must be >= 0")
	}
	if c.Downloads.MaxPerWindow < 0 {
		return fmt.Errorf("downloads.max_per_window must be >= 0")
	}
	if c.Downloads.Window <= 0 {
		return fmt.Errorf("downloads.window must be > 0")
	}
	if strings.TrimSpace(c.Downloads.DefaultDir) == "" {
		return fmt.Errorf("downloads.default_dir is required")
	}
	if strings.TrimSpace(c.State.Dir) == "" {
		return fmt.Errorf("state.dir is required")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, postgres, memory", c.Storage.Driver)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// SiteTimeout converts the site timeout into a duration.
func (c Config) SiteTimeout() time.Duration {
	return time.Duration(c.Site.TimeoutSeconds) * time.Second
}
