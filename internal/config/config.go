// Package config loads cartd settings. Precedence: env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigPathEnvVar = "CONFIG_PATH"
	envPrefix        = "CART_"

	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Store    StoreConfig    `koanf:"store"`
	Postgres PostgresConfig `koanf:"postgres"`
	Mongo    MongoConfig    `koanf:"mongo"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Session  SessionConfig  `koanf:"session"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"` // handler deadline, below write_timeout
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"` // postgres or mongo
}

type PostgresConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	DBName     string `koanf:"dbname"`
	Migrations string `koanf:"migrations"`
}

type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

type CatalogConfig struct {
	Path       string `koanf:"path"`
	Migrations string `koanf:"migrations"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type KafkaConfig struct {
	Brokers    []string      `koanf:"brokers"`
	Topic      string        `koanf:"topic"`
	GroupID    string        `koanf:"group_id"` // unique per process, the hub fans out all partitions
	OutboxTick time.Duration `koanf:"outbox_tick"`
}

type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	EventBuffer   int           `koanf:"event_buffer"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`   // carts unused this long are evicted from memory
	SweepInterval time.Duration `koanf:"sweep_interval"` // how often idle carts are looked for
}

type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			RequestTimeout:  10 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Backend: BackendPostgres},
		Postgres: PostgresConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			DBName:     "cart",
			Migrations: "internal/repository/migrations",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "cart",
		},
		Catalog: CatalogConfig{
			Path:       "catalog.db",
			Migrations: "internal/catalog/migrations",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			Topic:      "cart-item-changes",
			GroupID:    defaultGroupID(),
			OutboxTick: time.Second,
		},
		Session: SessionConfig{
			TTL:           5 * time.Hour,
			CallTimeout:   5 * time.Second,
			EventBuffer:   64,
			PurgeInterval: 10 * time.Minute,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// sliceConfigPaths lists keys whose env values are comma-separated lists.
var sliceConfigPaths = []string{
	"kafka.brokers",
}

// defaultGroupID is unique per host so every process consumes all partitions.
func defaultGroupID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("cart-engine-%d", os.Getpid())
	}
	return "cart-engine-" + host
}

// Load reads .env (if present), the defaults, the YAML file named by
// CONFIG_PATH and CART_* environment variables, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps CART_<SECTION>_<KEY> to section.key:
// CART_SESSION_TTL -> session.ttl, CART_KAFKA_GROUP_ID -> kafka.group_id.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

// processSliceFields splits comma-separated env strings at slice paths.
// Values from YAML are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be positive"))
	} else if c.HTTP.WriteTimeout > 0 && c.HTTP.RequestTimeout >= c.HTTP.WriteTimeout {
		errs = append(errs, errors.New("http.request_timeout must be below http.write_timeout"))
	}
	switch c.Store.Backend {
	case BackendPostgres, BackendMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.CallTimeout <= 0 {
		errs = append(errs, errors.New("session.call_timeout must be positive"))
	}
	if c.Session.EventBuffer <= 0 {
		errs = append(errs, errors.New("session.event_buffer must be positive"))
	}
	return errors.Join(errs...)
}
