package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds Entry Store connection settings.
type Config struct {
	Driver     string `yaml:"driver"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	SSLMode    string `yaml:"sslmode"`
	MaxConns   int32  `yaml:"max_conns"`
	SQLitePath string `yaml:"sqlite_path"`
}

// NewConfigFromEnv reads DB_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	return Config{}.WithEnv()
}

// WithEnv overlays DB_* environment variables on c, filling defaults for
// anything still unset.
func (c Config) WithEnv() Config {
	c.Driver = getEnv("DB_DRIVER", orDefault(c.Driver, DriverPostgres))
	c.Host = getEnv("DB_HOST", orDefault(c.Host, "localhost"))
	c.User = getEnv("DB_USER", orDefault(c.User, "postgres"))
	c.Password = getEnv("DB_PASSWORD", orDefault(c.Password, "postgres"))
	c.Database = getEnv("DB_NAME", orDefault(c.Database, "tempo"))
	c.SSLMode = getEnv("DB_SSLMODE", orDefault(c.SSLMode, "disable"))
	c.SQLitePath = getEnv("DB_SQLITE_PATH", orDefault(c.SQLitePath, "tempo.db"))

	if c.Port == 0 {
		c.Port = 5432
	}
	if port, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil {
		c.Port = port
	}

	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if n, err := strconv.Atoi(os.Getenv("DB_MAX_CONNS")); err == nil && n > 0 {
		c.MaxConns = int32(n)
	}
	return c
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode, c.MaxConns,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
