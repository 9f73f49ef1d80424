package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/example/dbmigrate/internal/persistence"
	"github.com/example/dbmigrate/internal/persistence/dialect"
)

// Config captures environment driven configuration for a migration run.
type Config struct {
	Driver   string `env:"DB_DRIVER"   envDefault:"mysql"`
	Host     string `env:"DB_HOST"     envDefault:"localhost"`
	Port     int    `env:"DB_PORT"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
	Params   string `env:"DB_PARAMS"`

	MigrationsDir   string `env:"MIGRATIONS_DIR"   envDefault:"migrations"`
	MigrationsTable string `env:"MIGRATIONS_TABLE" envDefault:"migrations"`

	Force                bool `env:"MIGRATE_FORCE"`
	StripDelimiterBlocks bool `env:"MIGRATE_STRIP_DELIMITER_BLOCKS"`
	MySQLCompat          bool `env:"MIGRATE_MYSQL_COMPAT"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"     envDefault:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"     envDefault:"2"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"  envDefault:"30m"`
	LeakThreshold   time.Duration `env:"DB_LEAK_THRESHOLD"     envDefault:"2m"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load parses configuration values from the current process environment.
//
// Type errors are reported by the env parser. Required and semantically
// invalid values are collected and reported together.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))

	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 4)

	if strings.TrimSpace(cfg.Name) == "" {
		missing = append(missing, "DB_NAME")
	}
	if cfg.Driver != "sqlite" && strings.TrimSpace(cfg.User) == "" {
		missing = append(missing, "DB_USER")
	}

	if _, err := dialect.New(cfg.Driver, dialect.Options{}); err != nil {
		invalid = append(invalid, "DB_DRIVER")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		invalid = append(invalid, "DB_PORT")
	}
	if !tableName.MatchString(cfg.MigrationsTable) {
		invalid = append(invalid, "MIGRATIONS_TABLE")
	}
	if strings.TrimSpace(cfg.MigrationsDir) == "" {
		invalid = append(invalid, "MIGRATIONS_DIR")
	}
	if cfg.MaxOpenConns < 1 {
		invalid = append(invalid, "DB_MAX_OPEN_CONNS")
	}
	if cfg.MaxIdleConns < 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		invalid = append(invalid, "DB_MAX_IDLE_CONNS")
	}
	if cfg.ConnMaxIdleTime < 0 {
		invalid = append(invalid, "DB_CONN_MAX_IDLE_TIME")
	}
	if cfg.ConnMaxLifetime < 0 {
		invalid = append(invalid, "DB_CONN_MAX_LIFETIME")
	}
	if cfg.LeakThreshold <= 0 {
		invalid = append(invalid, "DB_LEAK_THRESHOLD")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "LOG_LEVEL")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		invalid = append(invalid, "LOG_FORMAT")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// PoolConfig returns the connection pool settings.
func (c Config) PoolConfig() persistence.PoolConfig {
	return persistence.PoolConfig{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		ConnMaxLifetime: c.ConnMaxLifetime,
		LeakThreshold:   c.LeakThreshold,
	}
}

// ConnParams returns the database connection settings.
func (c Config) ConnParams() dialect.ConnParams {
	return dialect.ConnParams{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Name:     c.Name,
		Params:   c.Params,
	}
}

// DialectOptions returns the dialect switches.
func (c Config) DialectOptions() dialect.Options {
	return dialect.Options{
		MySQLCompat:          c.MySQLCompat,
		StripDelimiterBlocks: c.StripDelimiterBlocks,
	}
}
