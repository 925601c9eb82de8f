package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults, applies
// LADDERBOT_* environment overrides, and returns the result. The caller is
// expected to run Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites config fields from well-known LADDERBOT_*
// variables when set, so secrets can be injected at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "LADDERBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LADDERBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LADDERBOT_WALLET_KEY_PASSWORD")

	setStr(&cfg.Database.DSN, "LADDERBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LADDERBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LADDERBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LADDERBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "LADDERBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "LADDERBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LADDERBOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "LADDERBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LADDERBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LADDERBOT_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "LADDERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LADDERBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LADDERBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LADDERBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LADDERBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LADDERBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "LADDERBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LADDERBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LADDERBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LADDERBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LADDERBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LADDERBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LADDERBOT_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Oracle.BaseURL, "LADDERBOT_ORACLE_BASE_URL")
	setDuration(&cfg.Oracle.CacheMaxAge, "LADDERBOT_ORACLE_CACHE_MAX_AGE")

	setStr(&cfg.Relayer.BaseURL, "LADDERBOT_RELAYER_BASE_URL")
	setDuration(&cfg.Relayer.Timeout, "LADDERBOT_RELAYER_TIMEOUT")

	setInt(&cfg.Engine.EntryCount, "LADDERBOT_ENGINE_ENTRY_COUNT")
	setFloatSlice(&cfg.Engine.EntryDiscounts, "LADDERBOT_ENGINE_ENTRY_DISCOUNTS")
	setFloatSlice(&cfg.Engine.ExitStages, "LADDERBOT_ENGINE_EXIT_STAGES")
	setFloat64(&cfg.Engine.ExitStageFraction, "LADDERBOT_ENGINE_EXIT_STAGE_FRACTION")
	setFloat64(&cfg.Engine.ExitFinalGainPct, "LADDERBOT_ENGINE_EXIT_FINAL_GAIN_PCT")
	setDuration(&cfg.Engine.Interval, "LADDERBOT_ENGINE_INTERVAL")
	setInt(&cfg.Engine.MaxConcurrent, "LADDERBOT_ENGINE_MAX_CONCURRENT")
	setDuration(&cfg.Engine.LockTTL, "LADDERBOT_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.RetryMaxAttempts, "LADDERBOT_ENGINE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.RetryBaseDelay, "LADDERBOT_ENGINE_RETRY_BASE_DELAY")
	setDuration(&cfg.Engine.RetryMaxDelay, "LADDERBOT_ENGINE_RETRY_MAX_DELAY")

	setBool(&cfg.Feed.Enabled, "LADDERBOT_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "LADDERBOT_FEED_WS_URL")

	setBool(&cfg.Archive.Enabled, "LADDERBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LADDERBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LADDERBOT_ARCHIVE_INTERVAL")

	setBool(&cfg.Server.Enabled, "LADDERBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LADDERBOT_SERVER_PORT")

	setStr(&cfg.Notify.TelegramToken, "LADDERBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LADDERBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LADDERBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LADDERBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "LADDERBOT_MODE")
	setStr(&cfg.Execution, "LADDERBOT_EXECUTION")
	setStr(&cfg.LogLevel, "LADDERBOT_LOG_LEVEL")
}

// Typed helpers. Each mutates the target only when the variable is present
// and parseable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setFloatSlice(dst *[]float64, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		parsed := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return
			}
			parsed = append(parsed, f)
		}
		if len(parsed) > 0 {
			*dst = parsed
		}
	}
}
