// Package config loads process configuration for binaries built on cascore.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Projector ProjectorConfig `mapstructure:"projector"`
	Bus       BusConfig       `mapstructure:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"` // memory, sqlite, postgres
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ProviderConfig struct {
	Kind      string          `mapstructure:"kind"` // ristretto, bigcache, redis, memcache
	Ristretto RistrettoConfig `mapstructure:"ristretto"`
	BigCache  BigCacheConfig  `mapstructure:"bigcache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Memcache  MemcacheConfig  `mapstructure:"memcache"`
}

type RistrettoConfig struct {
	MaxCost    int64 `mapstructure:"max_cost"`
	SyncWrites bool  `mapstructure:"sync_writes"`
}

type BigCacheConfig struct {
	LifeWindow   time.Duration `mapstructure:"life_window"`
	Shards       int           `mapstructure:"shards"`
	HardMaxMB    int           `mapstructure:"hard_max_mb"`
	MaxEntrySize int           `mapstructure:"max_entry_size"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	GenTTL   time.Duration `mapstructure:"gen_ttl"`
}

type MemcacheConfig struct {
	Servers []string      `mapstructure:"servers"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Namespace  string        `mapstructure:"namespace"`
	Codec      string        `mapstructure:"codec"` // json, cbor, cbor-canonical, msgpack
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	FailClosed bool          `mapstructure:"fail_closed"`
	Disabled   bool          `mapstructure:"disabled"`
}

type ProjectorConfig struct {
	GapTimeout  time.Duration `mapstructure:"gap_timeout"`
	HealTimeout time.Duration `mapstructure:"heal_timeout"`
	MaxBuffer   int           `mapstructure:"max_buffer"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type BusConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns a configuration for a single process with the in-memory
// store and a local ristretto cache.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "memory",
			SQLite: SQLiteConfig{Path: "cascore.db"},
			Postgres: PostgresConfig{
				MaxConns:        10,
				MaxConnLifetime: time.Hour,
				MaxConnIdleTime: 10 * time.Minute,
			},
		},
		Provider: ProviderConfig{
			Kind:      "ristretto",
			Ristretto: RistrettoConfig{MaxCost: 64 << 20},
			BigCache:  BigCacheConfig{LifeWindow: 10 * time.Minute, Shards: 256, MaxEntrySize: 512},
			Redis:     RedisConfig{Addr: "localhost:6379", GenTTL: 24 * time.Hour},
			Memcache:  MemcacheConfig{Servers: []string{"localhost:11211"}, Timeout: 100 * time.Millisecond},
		},
		Cache: CacheConfig{
			Namespace:  "app",
			Codec:      "json",
			DefaultTTL: 5 * time.Minute,
		},
		Projector: ProjectorConfig{
			GapTimeout:  2 * time.Second,
			HealTimeout: 5 * time.Second,
			MaxBuffer:   64,
			QueueSize:   1024,
		},
		Bus: BusConfig{
			QueueSize:    1024,
			MaxAttempts:  3,
			RetryBackoff: 10 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090", Namespace: "cascore"},
	}
}

// EnvPrefix is prepended to environment overrides. Nested keys use
// underscores, so CASCORE_CACHE_DEFAULT_TTL sets cache.default_ttl.
const EnvPrefix = "CASCORE"

// Load reads path (yaml) over Default and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	// AutomaticEnv only reaches keys viper knows about.
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("store.driver", c.Store.Driver)
	v.SetDefault("store.sqlite.path", c.Store.SQLite.Path)
	v.SetDefault("store.postgres.dsn", c.Store.Postgres.DSN)
	v.SetDefault("store.postgres.max_conns", c.Store.Postgres.MaxConns)
	v.SetDefault("store.postgres.min_conns", c.Store.Postgres.MinConns)
	v.SetDefault("store.postgres.max_conn_lifetime", c.Store.Postgres.MaxConnLifetime)
	v.SetDefault("store.postgres.max_conn_idle_time", c.Store.Postgres.MaxConnIdleTime)

	v.SetDefault("provider.kind", c.Provider.Kind)
	v.SetDefault("provider.ristretto.max_cost", c.Provider.Ristretto.MaxCost)
	v.SetDefault("provider.ristretto.sync_writes", c.Provider.Ristretto.SyncWrites)
	v.SetDefault("provider.bigcache.life_window", c.Provider.BigCache.LifeWindow)
	v.SetDefault("provider.bigcache.shards", c.Provider.BigCache.Shards)
	v.SetDefault("provider.bigcache.hard_max_mb", c.Provider.BigCache.HardMaxMB)
	v.SetDefault("provider.bigcache.max_entry_size", c.Provider.BigCache.MaxEntrySize)
	v.SetDefault("provider.redis.addr", c.Provider.Redis.Addr)
	v.SetDefault("provider.redis.password", c.Provider.Redis.Password)
	v.SetDefault("provider.redis.db", c.Provider.Redis.DB)
	v.SetDefault("provider.redis.prefix", c.Provider.Redis.Prefix)
	v.SetDefault("provider.redis.gen_ttl", c.Provider.Redis.GenTTL)
	v.SetDefault("provider.memcache.servers", c.Provider.Memcache.Servers)
	v.SetDefault("provider.memcache.prefix", c.Provider.Memcache.Prefix)
	v.SetDefault("provider.memcache.timeout", c.Provider.Memcache.Timeout)

	v.SetDefault("cache.namespace", c.Cache.Namespace)
	v.SetDefault("cache.codec", c.Cache.Codec)
	v.SetDefault("cache.default_ttl", c.Cache.DefaultTTL)
	v.SetDefault("cache.fail_closed", c.Cache.FailClosed)
	v.SetDefault("cache.disabled", c.Cache.Disabled)

	v.SetDefault("projector.gap_timeout", c.Projector.GapTimeout)
	v.SetDefault("projector.heal_timeout", c.Projector.HealTimeout)
	v.SetDefault("projector.max_buffer", c.Projector.MaxBuffer)
	v.SetDefault("projector.queue_size", c.Projector.QueueSize)

	v.SetDefault("bus.queue_size", c.Bus.QueueSize)
	v.SetDefault("bus.max_attempts", c.Bus.MaxAttempts)
	v.SetDefault("bus.retry_backoff", c.Bus.RetryBackoff)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.addr", c.Metrics.Addr)
	v.SetDefault("metrics.namespace", c.Metrics.Namespace)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			bad("store.sqlite.path is required")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			bad("store.postgres.dsn is required")
		}
	default:
		bad("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver)
	}

	switch c.Provider.Kind {
	case "ristretto":
		if c.Provider.Ristretto.MaxCost <= 0 {
			bad("provider.ristretto.max_cost must be positive")
		}
	case "bigcache":
		if c.Provider.BigCache.LifeWindow <= 0 {
			bad("provider.bigcache.life_window must be positive")
		}
		if s := c.Provider.BigCache.Shards; s <= 0 || s&(s-1) != 0 {
			bad("provider.bigcache.shards must be a power of two")
		}
	case "redis":
		if c.Provider.Redis.Addr == "" {
			bad("provider.redis.addr is required")
		}
	case "memcache":
		if len(c.Provider.Memcache.Servers) == 0 {
			bad("provider.memcache.servers is required")
		}
	default:
		bad("provider.kind %q is not one of ristretto, bigcache, redis, memcache", c.Provider.Kind)
	}

	if c.Cache.Namespace == "" {
		bad("cache.namespace is required")
	}
	switch c.Cache.Codec {
	case "", "json", "cbor", "cbor-canonical", "msgpack":
	default:
		bad("cache.codec %q is not supported", c.Cache.Codec)
	}
	if c.Cache.DefaultTTL < 0 {
		bad("cache.default_ttl must not be negative")
	}

	if c.Projector.GapTimeout <= 0 {
		bad("projector.gap_timeout must be positive")
	}
	if c.Projector.MaxBuffer <= 0 {
		bad("projector.max_buffer must be positive")
	}
	if c.Bus.MaxAttempts <= 0 {
		bad("bus.max_attempts must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		bad("metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
