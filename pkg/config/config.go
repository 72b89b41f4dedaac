// Package config loads application configuration from the environment
// (and an optional .env file) through Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Notification backends.
const (
	NotifyNone   = "none"
	NotifyRedis  = "redis"
	NotifyPubSub = "pubsub"
)

// Config groups all settings of the server and the worker.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Ledger LedgerConfig
	Notify NotifyConfig
	Outbox OutboxConfig
	Cache  CacheConfig
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Env      string
	Port     string
	LogLevel string
}

// Development reports whether the process runs in development mode.
func (c AppConfig) Development() bool {
	return c.Env == "development"
}

// DBConfig holds Postgres pool settings.
type DBConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// LedgerConfig tunes locking and retry of ledger mutations.
type LedgerConfig struct {
	// LockTimeout bounds the wait for an aggregate row lock.
	LockTimeout time.Duration
	// StatementTimeout protects against runaway replays.
	StatementTimeout time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
}

// NotifyConfig selects and configures the change notification transport.
type NotifyConfig struct {
	Backend         string
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	Channel         string
	PubSubProjectID string
	PubSubTopic     string
	PubSubCredsJSON string
}

// OutboxConfig tunes the relay worker.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
}

// CacheConfig tunes the read-side balance cache.
type CacheConfig struct {
	TTL time.Duration
}

// Load reads configuration. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// Missing .env is fine: production injects real env vars.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			Port:     v.GetString("APP_PORT"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		DB: DBConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxConns:        v.GetInt32("DB_MAX_CONNS"),
			MinConns:        v.GetInt32("DB_MIN_CONNS"),
			MaxConnLifetime: v.GetDuration("DB_MAX_CONN_LIFETIME"),
			MaxConnIdleTime: v.GetDuration("DB_MAX_CONN_IDLE_TIME"),
		},
		Ledger: LedgerConfig{
			LockTimeout:      v.GetDuration("LEDGER_LOCK_TIMEOUT"),
			StatementTimeout: v.GetDuration("LEDGER_STATEMENT_TIMEOUT"),
			RetryAttempts:    v.GetInt("LEDGER_RETRY_ATTEMPTS"),
			RetryBackoff:     v.GetDuration("LEDGER_RETRY_BACKOFF"),
		},
		Notify: NotifyConfig{
			Backend:         strings.ToLower(v.GetString("NOTIFY_BACKEND")),
			RedisAddress:    v.GetString("REDIS_ADDRESS"),
			RedisPassword:   v.GetString("REDIS_PASSWORD"),
			RedisDB:         v.GetInt("REDIS_DB"),
			Channel:         v.GetString("NOTIFY_CHANNEL"),
			PubSubProjectID: v.GetString("PUBSUB_PROJECT_ID"),
			PubSubTopic:     v.GetString("PUBSUB_TOPIC"),
			PubSubCredsJSON: v.GetString("PUBSUB_CREDENTIALS_JSON"),
		},
		Outbox: OutboxConfig{
			BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
			LockTTL:      v.GetDuration("OUTBOX_LOCK_TTL"),
		},
		Cache: CacheConfig{
			TTL: v.GetDuration("BALANCE_CACHE_TTL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_MAX_CONN_LIFETIME", time.Hour)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", 30*time.Minute)

	v.SetDefault("LEDGER_LOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("LEDGER_STATEMENT_TIMEOUT", 30*time.Second)
	v.SetDefault("LEDGER_RETRY_ATTEMPTS", 3)
	v.SetDefault("LEDGER_RETRY_BACKOFF", 50*time.Millisecond)

	v.SetDefault("NOTIFY_BACKEND", NotifyNone)
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("NOTIFY_CHANNEL", "ledger.balance-changed")
	v.SetDefault("PUBSUB_TOPIC", "ledger-balance-changed")

	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("OUTBOX_LOCK_TTL", 30*time.Second)

	v.SetDefault("BALANCE_CACHE_TTL", time.Minute)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Ledger.RetryAttempts < 1 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be at least 1")
	}
	switch c.Notify.Backend {
	case NotifyNone, NotifyRedis:
	case NotifyPubSub:
		if c.Notify.PubSubProjectID == "" {
			return fmt.Errorf("PUBSUB_PROJECT_ID is required for pubsub notifications")
		}
	default:
		return fmt.Errorf("unknown NOTIFY_BACKEND %q", c.Notify.Backend)
	}
	return nil
}
