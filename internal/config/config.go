// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Staging StagingConfig `mapstructure:"staging"`
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	DB      DBConfig      `mapstructure:"db"`
	Server  ServerConfig  `mapstructure:"server"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SourceConfig identifies the remote directory listing to poll.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StagingConfig sets the on-disk staging layout. RootDir is the legacy
// download directory; pending/ and processed/ live next to it.
type StagingConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// FetcherConfig governs the discovery/download loop.
type FetcherConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	DownloadDelayMs     int `mapstructure:"download_delay_ms"`
}

// HTTPConfig configures HTTP client timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// IngestConfig governs the pending-drain loop. MaxParseRetries bounds how
// many cycles a file that fails to parse is retried before it is quarantined
// into failed/; zero retries forever.
type IngestConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	ErrorBackoffSeconds int `mapstructure:"error_backoff_seconds"`
	MaxParseRetries     int `mapstructure:"max_parse_retries"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the ops HTTP server (health + metrics).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// NotifyConfig holds metadata for publish-subscribe ingest notifications.
// Pub/Sub is used only when both fields are set.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig enables mirroring processed files into a GCS bucket.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARGETFEED")
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
	v.SetDefault("source.base_url", "https://www.witha.name/data/")
	v.SetDefault("staging.root_dir", "data/downloads")
	v.SetDefault("fetcher.poll_interval_seconds", 300)
	v.SetDefault("fetcher.download_delay_ms", 1000)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("ingest.poll_interval_seconds", 10)
	v.SetDefault("ingest.error_backoff_seconds", 30)
	v.SetDefault("ingest.max_parse_retries", 5)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("archive.prefix", "processed")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must be set")
	}
	if c.Staging.RootDir == "" {
		return fmt.Errorf("staging.root_dir must be set")
	}
	if c.Fetcher.PollIntervalSeconds <= 0 {
		return fmt.Errorf("fetcher.poll_interval_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Ingest.PollIntervalSeconds <= 0 {
		return fmt.Errorf("ingest.poll_interval_seconds must be > 0")
	}
	if c.Ingest.MaxParseRetries < 0 {
		return fmt.Errorf("ingest.max_parse_retries must be >= 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// HTTPTimeout returns the HTTP client timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// DownloadDelay returns the pause applied after each successful download.
func (c Config) DownloadDelay() time.Duration {
	return time.Duration(c.Fetcher.DownloadDelayMs) * time.Millisecond
}

// FetchPollInterval returns the fetcher loop interval.
func (c Config) FetchPollInterval() time.Duration {
	return time.Duration(c.Fetcher.PollIntervalSeconds) * time.Second
}

// IngestPollInterval returns the ingestor loop interval.
func (c Config) IngestPollInterval() time.Duration {
	return time.Duration(c.Ingest.PollIntervalSeconds) * time.Second
}

// IngestErrorBackoff returns the elevated sleep applied after a loop-level error.
func (c Config) IngestErrorBackoff() time.Duration {
	return time.Duration(c.Ingest.ErrorBackoffSeconds) * time.Second
}
