// Package config loads the archiver configuration from YAML with environment
// overrides, and exposes the persisted retention and archiving settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/schedule"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ARCHIVES_"

// Config is the process configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Archiving   ArchivingConfig   `yaml:"archiving"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Tasks       map[string]string `yaml:"tasks"` // task name -> cron expression
	Settings    Settings          `yaml:"settings"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig enables the redis lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// MetricsConfig enables the /metrics endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type ArchivingConfig struct {
	EngineURL     string        `yaml:"engine_url"`
	EngineTimeout time.Duration `yaml:"engine_timeout"`
	// CustomRanges are range expressions archived on every run, e.g. "last7".
	CustomRanges []string      `yaml:"custom_ranges"`
	WeekStart    string        `yaml:"week_start"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	// CronRecentWindow is how long after a cron run purges stay authorized.
	CronRecentWindow time.Duration `yaml:"cron_recent_window"`
	// ClaimTimeout requeues in-progress invalidations older than this.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	// InvalidatedSafetyMargin keeps freshly invalidated rows readable.
	InvalidatedSafetyMargin time.Duration `yaml:"invalidated_safety_margin"`
}

// MaintenanceConfig pins the maintenance tasks to a time of day. An empty At
// keeps plain intervals.
type MaintenanceConfig struct {
	// At is HH:MM.
	At       string `yaml:"at"`
	// Weekday runs the weekly tasks, sunday by default.
	Weekday  string `yaml:"weekday"`
	Timezone string `yaml:"timezone"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Settings: DefaultSettings()}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, expanding ${VAR} references, then applies
// defaults and ARCHIVES_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{Settings: DefaultSettings()}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Parse(data, cfg); err != nil {
				return nil, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg after environment expansion.
func Parse(data []byte, cfg *Config) error {
	content := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == storage.DriverSQLite {
		cfg.Database.DSN = "archives.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	a := &cfg.Archiving
	if a.EngineTimeout == 0 {
		a.EngineTimeout = 5 * time.Minute
	}
	if a.WeekStart == "" {
		a.WeekStart = "monday"
	}
	if a.LockTTL == 0 {
		a.LockTTL = 30 * time.Minute
	}
	if a.CronRecentWindow == 0 {
		a.CronRecentWindow = 24 * time.Hour
	}
	if a.ClaimTimeout == 0 {
		a.ClaimTimeout = 6 * time.Hour
	}
	if a.InvalidatedSafetyMargin == 0 {
		a.InvalidatedSafetyMargin = 2 * time.Hour
	}
	if cfg.Tasks == nil {
		cfg.Tasks = map[string]string{}
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("METRICS_LISTEN", &cfg.Metrics.Listen)
	str("ENGINE_URL", &cfg.Archiving.EngineURL)

	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.Redis.DB = n
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	if _, err := c.Archiving.Calendar(); err != nil {
		return err
	}
	if _, err := c.Maintenance.Window(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// PoolOptions converts the database pool limits.
func (d DatabaseConfig) PoolOptions() []storage.PoolOption {
	return []storage.PoolOption{
		storage.MaxOpenConns(d.MaxOpenConns),
		storage.MaxIdleConns(d.MaxIdleConns),
		storage.ConnMaxLifetime(d.ConnMaxLifetime),
		storage.ConnMaxIdleTime(d.ConnMaxIdleTime),
	}
}

// Calendar returns the period calendar for the configured week start.
func (a ArchivingConfig) Calendar() (period.Calendar, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(a.WeekStart, d.String()) {
			return period.Calendar{WeekStart: d}, nil
		}
	}
	return period.Calendar{}, fmt.Errorf("config: unknown week start %q", a.WeekStart)
}

// Window returns the maintenance window, or nil when none is configured.
func (m MaintenanceConfig) Window() (*schedule.Window, error) {
	if m.At == "" {
		return nil, nil
	}
	at, err := time.Parse("15:04", m.At)
	if err != nil {
		return nil, fmt.Errorf("config: maintenance time %q is not HH:MM", m.At)
	}
	w := &schedule.Window{Hour: at.Hour(), Minute: at.Minute(), Weekday: time.Sunday}
	if m.Weekday != "" {
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			if strings.EqualFold(m.Weekday, d.String()) {
				w.Weekday, found = d, true
			}
		}
		if !found {
			return nil, fmt.Errorf("config: unknown maintenance weekday %q", m.Weekday)
		}
	}
	if m.Timezone != "" {
		loc, err := time.LoadLocation(m.Timezone)
		if err != nil {
			return nil, fmt.Errorf("config: maintenance timezone: %w", err)
		}
		w.Location = loc
	}
	return w, nil
}
