package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RECURCAL_LISTEN.
const EnvPrefix = "RECURCAL_"

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "UTC"
	defaultDriver      = "sqlite3"
	defaultDSN         = "./var/recurcal.db"
	defaultMaxPerEvent = 10
	defaultRefreshCron = "0 3 * * *"
	defaultPageSize    = 100
	defaultWorkers     = 4
	defaultCacheSize   = 1024
	defaultQueue       = "recurcal.events"
	defaultLogLevel    = "info"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

type DatabaseConfig struct {
	// Driver is a database/sql driver name: "sqlite3" or "pgx".
	Driver string `yaml:"driver" json:"driver" env:"DRIVER" validate:"required,oneof=sqlite3 pgx"`
	DSN    string `yaml:"dsn" json:"dsn" env:"DSN" validate:"required"`
}

type InstancesConfig struct {
	// MaxPerEvent caps the instances materialized for one event.
	MaxPerEvent int `yaml:"max_per_event" json:"max_per_event" env:"MAX_PER_EVENT" validate:"gte=1"`
}

type RefreshConfig struct {
	// Cron is a standard 5-field schedule for the full refresh pass. Empty
	// disables the periodic pass.
	Cron     string `yaml:"cron" json:"cron" env:"CRON"`
	PageSize int    `yaml:"page_size" json:"page_size" env:"PAGE_SIZE" validate:"gte=1"`
	Workers  int    `yaml:"workers" json:"workers" env:"WORKERS" validate:"gte=1,lte=64"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Size    int  `yaml:"size" json:"size" env:"SIZE" validate:"gte=1"`
}

type AMQPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" json:"url" env:"URL" validate:"required_if=Enabled true"`
	Queue   string `yaml:"queue" json:"queue" env:"QUEUE" validate:"required_if=Enabled true"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN" validate:"required"`

	// Timezone is the IANA zone the periodic refresh schedule runs in. Stored
	// schedules without a zone of their own are expanded in it too.
	Timezone string `yaml:"timezone" json:"timezone" env:"TIMEZONE"`

	Database  DatabaseConfig  `yaml:"database" json:"database" envPrefix:"DATABASE_"`
	Instances InstancesConfig `yaml:"instances" json:"instances" envPrefix:"INSTANCES_"`
	Refresh   RefreshConfig   `yaml:"refresh" json:"refresh" envPrefix:"REFRESH_"`
	Cache     CacheConfig     `yaml:"cache" json:"cache" envPrefix:"CACHE_"`
	AMQP      AMQPConfig      `yaml:"amqp" json:"amqp" envPrefix:"AMQP_"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info error"`
}

// basicAuthEnv carries the credentials that may arrive through the
// environment; a pointer struct in Config cannot be populated by env.
type basicAuthEnv struct {
	Username string `env:"BASIC_AUTH_USERNAME"`
	Password string `env:"BASIC_AUTH_PASSWORD"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Database: DatabaseConfig{
			Driver: defaultDriver,
			DSN:    defaultDSN,
		},
		Instances: InstancesConfig{MaxPerEvent: defaultMaxPerEvent},
		Refresh: RefreshConfig{
			Cron:     defaultRefreshCron,
			PageSize: defaultPageSize,
			Workers:  defaultWorkers,
		},
		Cache:    CacheConfig{Enabled: true, Size: defaultCacheSize},
		AMQP:     AMQPConfig{Queue: defaultQueue},
		LogLevel: defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == defaultDriver {
		c.Database.DSN = defaultDSN
	}
	if c.Instances.MaxPerEvent <= 0 {
		c.Instances.MaxPerEvent = defaultMaxPerEvent
	}
	if c.Refresh.PageSize <= 0 {
		c.Refresh.PageSize = defaultPageSize
	}
	if c.Refresh.Workers <= 0 {
		c.Refresh.Workers = defaultWorkers
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = defaultCacheSize
	}
	if c.AMQP.Queue == "" {
		c.AMQP.Queue = defaultQueue
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if c.Refresh.Cron != "" {
		if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
			return fmt.Errorf("config: refresh.cron %q: %w", c.Refresh.Cron, err)
		}
	}
	return nil
}

// Location returns the configured time zone, or UTC when it cannot be
// loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Resolve produces the effective configuration: the YAML file at path,
// overridden by variables from envFile (if it exists) and the process
// environment, then validated.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, envFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays RECURCAL_* environment variables onto cfg. Variables in
// envFile are loaded first without replacing ones already set. Unset
// variables leave the file's values alone.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("config: load %s: %w", envFile, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: stat %s: %w", envFile, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if err := env.Parse(cfg, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	var auth basicAuthEnv
	if err := env.Parse(&auth, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if auth.Username != "" || auth.Password != "" {
		cfg.BasicAuth = &BasicAuthConfig{Username: auth.Username, Password: auth.Password}
	}

	cfg.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".recurcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
