// Package config defines the engine's configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and can be
// overridden by LADDERBOT_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Oracle   OracleConfig   `toml:"oracle"`
	Relayer  RelayerConfig  `toml:"relayer"`
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`

	// Mode selects which subsystems run: "monitor", "serve", or "full".
	Mode string `toml:"mode"`

	// Execution selects the swap path: "paper" fills at oracle prices,
	// "live" submits to the relayer.
	Execution string `toml:"execution"`

	LogLevel string `toml:"log_level"`
}

// WalletConfig holds the signing key for relayer requests.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DatabaseConfig holds PostgreSQL connection parameters. When DSN and Host
// are both empty the engine runs on the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; the engine falls back to in-process locking and no price cache.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig holds the price aggregator endpoint.
type OracleConfig struct {
	BaseURL     string   `toml:"base_url"`
	CacheMaxAge Duration `toml:"cache_max_age"`
}

// RelayerConfig holds the swap relayer endpoint.
type RelayerConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// EngineConfig holds the ladder schedules and the monitor cadence.
type EngineConfig struct {
	EntryCount     int       `toml:"entry_count"`
	EntryDiscounts []float64 `toml:"entry_discounts"`

	ExitStages        []float64 `toml:"exit_stages"`
	ExitStageFraction float64   `toml:"exit_stage_fraction"`
	ExitFinalGainPct  float64   `toml:"exit_final_gain_pct"`

	Interval      Duration `toml:"interval"`
	MaxConcurrent int      `toml:"max_concurrent"`
	LockTTL       Duration `toml:"lock_ttl"`

	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryBaseDelay   Duration `toml:"retry_base_delay"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`
}

// FeedConfig holds the streaming quote feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
}

// ArchiveConfig controls cold storage of closed positions.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      Duration `toml:"interval"`
}

// ServerConfig holds HTTP status API parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds operator notification channels and the event
// allow-list.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Duration wraps time.Duration so the TOML decoder accepts strings like
// "3m" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with the values from config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ladderbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ladderbot-data",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			BaseURL:     "https://api.dexscreener.com",
			CacheMaxAge: Duration{30 * time.Second},
		},
		Relayer: RelayerConfig{
			BaseURL: "http://localhost:8090",
			Timeout: Duration{60 * time.Second},
		},
		Engine: EngineConfig{
			EntryCount:        3,
			EntryDiscounts:    []float64{0, 30, 60},
			ExitStages:        []float64{100, 200, 300, 400, 500, 600},
			ExitStageFraction: 0.30,
			ExitFinalGainPct:  1000,
			Interval:          Duration{3 * time.Minute},
			MaxConcurrent:     8,
			LockTTL:           Duration{2 * time.Minute},
			RetryMaxAttempts:  3,
			RetryBaseDelay:    Duration{200 * time.Millisecond},
			RetryMaxDelay:     Duration{2 * time.Second},
		},
		Feed: FeedConfig{
			Enabled: false,
			WsURL:   "wss://stream.dexscreener.com/quotes",
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      Duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "exit_executed", "position_closed"},
		},
		Mode:      "full",
		Execution: "paper",
		LogLevel:  "info",
	}
}

var validModes = map[string]bool{
	"monitor": true,
	"serve":   true,
	"full":    true,
}

var validExecutions = map[string]bool{
	"paper": true,
	"live":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and returns a combined error describing
// every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, serve, full)", c.Mode))
	}
	if !validExecutions[strings.ToLower(c.Execution)] {
		errs = append(errs, fmt.Sprintf("unknown execution %q (valid: paper, live)", c.Execution))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.ToLower(c.Execution) == "live" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live execution")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Relayer.BaseURL == "" {
			errs = append(errs, "relayer: base_url must be set for live execution")
		}
	}

	if c.Oracle.BaseURL == "" {
		errs = append(errs, "oracle: base_url must be set")
	}

	e := c.Engine
	if e.EntryCount < 1 {
		errs = append(errs, "engine: entry_count must be at least 1")
	}
	if len(e.EntryDiscounts) != e.EntryCount {
		errs = append(errs, fmt.Sprintf("engine: entry_discounts must have %d values, got %d", e.EntryCount, len(e.EntryDiscounts)))
	}
	if len(e.ExitStages) == 0 {
		errs = append(errs, "engine: exit_stages must not be empty")
	}
	if e.ExitStageFraction <= 0 || e.ExitStageFraction >= 1 {
		errs = append(errs, fmt.Sprintf("engine: exit_stage_fraction must be in (0,1), got %g", e.ExitStageFraction))
	}
	if len(e.ExitStages) > 0 && e.ExitFinalGainPct <= e.ExitStages[len(e.ExitStages)-1] {
		errs = append(errs, "engine: exit_final_gain_pct must exceed the last exit stage")
	}
	if e.Interval.Duration <= 0 {
		errs = append(errs, "engine: interval must be positive")
	}
	if e.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be positive")
	}

	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must be set when the feed is enabled")
	}
	if c.Archive.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "archive: s3 bucket must be set when archiving is enabled")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
