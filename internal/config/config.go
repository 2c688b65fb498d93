// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Site    SiteConfig    `mapstructure:"site"`
	Browser BrowserConfig `mapstructure:"browser"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SiteConfig identifies the remote catalog and the account used to read it.
type SiteConfig struct {
	PublishPageURL string `mapstructure:"publish_page_url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	// ExcludedOwners lists grouping labels that are user-defined shelf
	// folders rather than creators; the updates resync skips them.
	ExcludedOwners []string `mapstructure:"excluded_owners"`
}

// BrowserConfig configures the headless browsing session.
type BrowserConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs  int    `mapstructure:"settle_delay_ms"`
	PageCeiling    int    `mapstructure:"page_ceiling"`
	PageDelayMs    int    `mapstructure:"page_delay_ms"`
	ProbeTimeoutMs int    `mapstructure:"probe_timeout_ms"`
}

// FetchConfig configures the plain-HTTP image fetcher.
type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PathsConfig sets where the store, archives, and covers live.
type PathsConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`
	CoverDir    string `mapstructure:"cover_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CSHELF")
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("site.publish_page_url", "")
	v.SetDefault("site.excluded_owners", []string{})
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.settle_delay_ms", 2000)
	v.SetDefault("browser.page_ceiling", 100)
	v.SetDefault("browser.page_delay_ms", 1500)
	v.SetDefault("browser.probe_timeout_ms", 5000)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("paths.data_dir", "./data")
	v.SetDefault("paths.download_dir", "./downloads")
	v.SetDefault("paths.cover_dir", "./covers")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Site.PublishPageURL == "" {
		return fmt.Errorf("site.publish_page_url is required")
	}
	if c.Site.Username == "" || c.Site.Password == "" {
		return fmt.Errorf("site.username and site.password are required")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Browser.PageCeiling <= 0 {
		return fmt.Errorf("browser.page_ceiling must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Paths.DataDir == "" || c.Paths.DownloadDir == "" || c.Paths.CoverDir == "" {
		return fmt.Errorf("paths.data_dir, paths.download_dir, and paths.cover_dir are required")
	}
	return nil
}

// NavTimeout converts the per-navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// PageDelay returns the courtesy delay inserted between page loads.
func (c Config) PageDelay() time.Duration {
	return time.Duration(c.Browser.PageDelayMs) * time.Millisecond
}

// StorePath returns the sqlite database location under the data dir.
func (c Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "comicshelf.db")
}
