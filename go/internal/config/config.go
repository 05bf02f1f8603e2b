package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tempohq/tempo/go/internal/dbconfig"
	"github.com/tempohq/tempo/go/internal/session"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Auth     AuthConfig      `yaml:"auth"`
	Logging  LoggingConfig   `yaml:"logging"`
	Database dbconfig.Config `yaml:"database"`
	Session  session.Config  `yaml:"session"`
	Relay    RelayConfig     `yaml:"relay"`
}

// ServerConfig defines the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig defines bearer credential verification
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig defines the NATS relay between instances. Disabled, each
// instance only reaches the sockets connected to it.
type RelayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	InstanceID    string        `yaml:"instance_id"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: session.Config{
			Addr:        "localhost:6379",
			SessionTTL:  session.DefaultSessionTTL,
			RefreshTTL:  session.DefaultRefreshTTL,
			DialTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "tempo.timer",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Load reads path (a missing file is not an error), overlays environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.Addr = getEnv("TEMPO_ADDR", c.Server.Addr)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvAsDuration("JWT_TTL", c.Auth.TokenTTL)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))

	c.Database = c.Database.WithEnv()

	c.Session.Addr = getEnv("REDIS_ADDR", c.Session.Addr)
	c.Session.Password = getEnv("REDIS_PASSWORD", c.Session.Password)
	c.Session.DB = getEnvAsInt("REDIS_DB", c.Session.DB)

	c.Relay.Enabled = getEnvAsBool("RELAY_ENABLED", c.Relay.Enabled)
	c.Relay.URL = getEnv("NATS_URL", c.Relay.URL)
	c.Relay.InstanceID = getEnv("RELAY_INSTANCE_ID", c.Relay.InstanceID)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	switch c.Database.Driver {
	case dbconfig.DriverPostgres, dbconfig.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return errors.New("relay.url is required when the relay is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
