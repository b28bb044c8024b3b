// Package config defines the top-level configuration for the duel engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DUEL_* environment variables.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Battle      BattleConfig      `toml:"battle"`
	Matchmaking MatchmakingConfig `toml:"matchmaking"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Audit       AuditConfig       `toml:"audit"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	StreamTTL    duration `toml:"stream_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive. The archive is off unless Enabled is set.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ReactionLimit   int      `toml:"reaction_limit"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// BattleConfig holds countdown, window and escrow retry timing.
type BattleConfig struct {
	BaseDelay       duration `toml:"base_delay"`
	JitterMin       duration `toml:"jitter_min"`
	JitterMax       duration `toml:"jitter_max"`
	ReactionTimeout duration `toml:"reaction_timeout"`
	SettleWindow    duration `toml:"settle_window"`
	PendingTTL      duration `toml:"pending_ttl"`
	TimerLease      duration `toml:"timer_lease"`
	LedgerRetries   int      `toml:"ledger_retries"`
}

// MatchmakingConfig holds opponent pool parameters.
type MatchmakingConfig struct {
	PresenceTTL duration `toml:"presence_ttl"`
}

// LedgerConfig applies to the in-memory ledger used by standalone mode.
type LedgerConfig struct {
	StartingBalance int64 `toml:"starting_balance"`
}

// AuditConfig holds audit sink parameters.
type AuditConfig struct {
	WriteTimeout duration `toml:"write_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "duel",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{5 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 1000,
			StreamTTL:    duration{24 * time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "duel-audit",
			ForcePathStyle: true,
			Prefix:         "audit/battles",
		},
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			ReactionLimit:   10,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"battle_errored"},
		},
		Battle: BattleConfig{
			BaseDelay:       duration{3 * time.Second},
			JitterMin:       duration{1500 * time.Millisecond},
			JitterMax:       duration{4 * time.Second},
			ReactionTimeout: duration{3 * time.Second},
			SettleWindow:    duration{30 * time.Millisecond},
			PendingTTL:      duration{5 * time.Minute},
			TimerLease:      duration{5 * time.Second},
			LedgerRetries:   4,
		},
		Matchmaking: MatchmakingConfig{
			PresenceTTL: duration{2 * time.Minute},
		},
		Ledger: LedgerConfig{
			StartingBalance: 100,
		},
		Audit: AuditConfig{
			WriteTimeout: duration{2 * time.Second},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"standalone": true,
	"full":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: standalone, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database and Redis are only dialled in full mode.
	if strings.EqualFold(c.Mode, "full") {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 1 {
		errs = append(errs, "server: rate_limit must be >= 1")
	}
	if c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Battle timing
	b := c.Battle
	if b.BaseDelay.Duration < 0 {
		errs = append(errs, "battle: base_delay must be >= 0")
	}
	if b.JitterMin.Duration <= 0 {
		errs = append(errs, "battle: jitter_min must be > 0")
	}
	if b.JitterMax.Duration < b.JitterMin.Duration {
		errs = append(errs, "battle: jitter_max must be >= jitter_min")
	}
	if b.ReactionTimeout.Duration <= 0 {
		errs = append(errs, "battle: reaction_timeout must be > 0")
	}
	if b.SettleWindow.Duration < 0 || b.SettleWindow.Duration >= b.ReactionTimeout.Duration {
		errs = append(errs, "battle: settle_window must be >= 0 and shorter than reaction_timeout")
	}
	if b.PendingTTL.Duration < 0 {
		errs = append(errs, "battle: pending_ttl must be >= 0")
	}
	if b.TimerLease.Duration <= 0 {
		errs = append(errs, "battle: timer_lease must be > 0")
	}
	if b.LedgerRetries < 1 {
		errs = append(errs, "battle: ledger_retries must be >= 1")
	}

	if c.Matchmaking.PresenceTTL.Duration <= 0 {
		errs = append(errs, "matchmaking: presence_ttl must be > 0")
	}
	if c.Ledger.StartingBalance < 0 {
		errs = append(errs, "ledger: starting_balance must be >= 0")
	}
	if c.Audit.WriteTimeout.Duration <= 0 {
		errs = append(errs, "audit: write_timeout must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
