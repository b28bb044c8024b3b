package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is empty),
// merges it on top of the built-in defaults, applies DUEL_* environment
// variable overrides, and returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DUEL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_URL") // conventional name, DUEL_ wins
	setStr(&cfg.Database.DSN, "DUEL_DATABASE_DSN")
	setStr(&cfg.Database.Host, "DUEL_DATABASE_HOST")
	setInt(&cfg.Database.Port, "DUEL_DATABASE_PORT")
	setStr(&cfg.Database.Database, "DUEL_DATABASE_NAME")
	setStr(&cfg.Database.User, "DUEL_DATABASE_USER")
	setStr(&cfg.Database.Password, "DUEL_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DUEL_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DUEL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DUEL_DATABASE_POOL_MIN_CONNS")
	setDuration(&cfg.Database.ConnectTimeout, "DUEL_DATABASE_CONNECT_TIMEOUT")
	setBool(&cfg.Database.RunMigrations, "DUEL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DUEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DUEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DUEL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DUEL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DUEL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DUEL_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "DUEL_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.StreamTTL, "DUEL_REDIS_STREAM_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DUEL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DUEL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DUEL_S3_REGION")
	setStr(&cfg.S3.Bucket, "DUEL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DUEL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DUEL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DUEL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DUEL_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "DUEL_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "DUEL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DUEL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DUEL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DUEL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DUEL_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.ReactionLimit, "DUEL_SERVER_REACTION_LIMIT")
	setDuration(&cfg.Server.ShutdownTimeout, "DUEL_SERVER_SHUTDOWN_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DUEL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DUEL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DUEL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DUEL_NOTIFY_EVENTS")

	// ── Battle ──
	setDuration(&cfg.Battle.BaseDelay, "DUEL_BATTLE_BASE_DELAY")
	setDuration(&cfg.Battle.JitterMin, "DUEL_BATTLE_JITTER_MIN")
	setDuration(&cfg.Battle.JitterMax, "DUEL_BATTLE_JITTER_MAX")
	setDuration(&cfg.Battle.ReactionTimeout, "DUEL_BATTLE_REACTION_TIMEOUT")
	setDuration(&cfg.Battle.SettleWindow, "DUEL_BATTLE_SETTLE_WINDOW")
	setDuration(&cfg.Battle.PendingTTL, "DUEL_BATTLE_PENDING_TTL")
	setDuration(&cfg.Battle.TimerLease, "DUEL_BATTLE_TIMER_LEASE")
	setInt(&cfg.Battle.LedgerRetries, "DUEL_BATTLE_LEDGER_RETRIES")

	// ── Matchmaking / ledger / audit ──
	setDuration(&cfg.Matchmaking.PresenceTTL, "DUEL_MATCHMAKING_PRESENCE_TTL")
	setInt64(&cfg.Ledger.StartingBalance, "DUEL_LEDGER_STARTING_BALANCE")
	setDuration(&cfg.Audit.WriteTimeout, "DUEL_AUDIT_WRITE_TIMEOUT")

	// ── Top-level ──
	setStr(&cfg.Mode, "DUEL_MODE")
	setStr(&cfg.LogLevel, "DUEL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *duration, key string) {
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
