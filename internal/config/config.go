// Package config loads the ordinaut.toml configuration with the
// priority chain defaults -> file -> ORD_* environment -> CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level Ordinaut configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Worker    WorkerConfig    `toml:"worker"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ShutdownTimeout int    `toml:"shutdown_timeout"` // seconds
}

type DatabaseConfig struct {
	URL             string `toml:"url"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	HealthCheckSecs int    `toml:"health_check_interval"`
	EmbeddedPort    int    `toml:"embedded_port"`
	EmbeddedDataDir string `toml:"embedded_data_dir"`
}

// AuthConfig controls bearer-token verification. With an empty
// token_secret the API runs open and every request acts as the system
// agent (local development only).
type AuthConfig struct {
	TokenSecret string `toml:"token_secret"`
}

type SchedulerConfig struct {
	Enabled           bool `toml:"enabled"`
	SweepIntervalSecs int  `toml:"sweep_interval"` // seconds
}

type WorkerConfig struct {
	Enabled         bool   `toml:"enabled"`
	Concurrency     int    `toml:"concurrency"`
	PollIntervalMS  int    `toml:"poll_interval_ms"`
	LeaseDuration   int    `toml:"lease_duration"` // seconds
	ShutdownTimeout int    `toml:"shutdown_timeout"` // seconds
	ExecutorURL     string `toml:"executor_url"` // empty = log executor
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8440,
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        2,
			HealthCheckSecs: 30,
			EmbeddedPort:    15432,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			SweepIntervalSecs: 30,
		},
		Worker: WorkerConfig{
			Enabled:         true,
			Concurrency:     4,
			PollIntervalMS:  500,
			LeaseDuration:   60,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults -> ordinaut.toml ->
// env vars -> CLI flags. The flags parameter carries CLI overrides.
func Load(configPath string, flags map[string]string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = "ordinaut.toml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 {
		return fmt.Errorf("database.min_conns must be non-negative, got %d", c.Database.MinConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed database.max_conns (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LeaseDuration < 5 {
		return fmt.Errorf("worker.lease_duration must be at least 5 seconds, got %d", c.Worker.LeaseDuration)
	}
	if c.Worker.PollIntervalMS < 10 {
		return fmt.Errorf("worker.poll_interval_ms must be at least 10, got %d", c.Worker.PollIntervalMS)
	}
	if c.Scheduler.SweepIntervalSecs < 1 {
		return fmt.Errorf("scheduler.sweep_interval must be at least 1 second, got %d", c.Scheduler.SweepIntervalSecs)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// Address returns the host:port string for the server to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateDefault writes a commented default ordinaut.toml to the path.
func GenerateDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultTOML), 0o644)
}

// envInt reads an integer from the named environment variable.
// Returns an error if the value is set but not a valid integer.
func envInt(name string, dest *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q is not an integer", name, v)
	}
	*dest = n
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ORD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("ORD_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if v := os.Getenv("ORD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if err := envInt("ORD_DATABASE_EMBEDDED_PORT", &cfg.Database.EmbeddedPort); err != nil {
		return err
	}
	if v := os.Getenv("ORD_DATABASE_EMBEDDED_DATA_DIR"); v != "" {
		cfg.Database.EmbeddedDataDir = v
	}
	if v := os.Getenv("ORD_AUTH_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("ORD_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ORD_WORKER_ENABLED"); v != "" {
		cfg.Worker.Enabled = v == "true" || v == "1"
	}
	if err := envInt("ORD_WORKER_CONCURRENCY", &cfg.Worker.Concurrency); err != nil {
		return err
	}
	if err := envInt("ORD_WORKER_LEASE_DURATION", &cfg.Worker.LeaseDuration); err != nil {
		return err
	}
	if v := os.Getenv("ORD_WORKER_EXECUTOR_URL"); v != "" {
		cfg.Worker.ExecutorURL = v
	}
	if v := os.Getenv("ORD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func applyFlags(cfg *Config, flags map[string]string) {
	if flags == nil {
		return
	}
	if v, ok := flags["database-url"]; ok && v != "" {
		cfg.Database.URL = v
	}
	if v, ok := flags["port"]; ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v, ok := flags["host"]; ok && v != "" {
		cfg.Server.Host = v
	}
}

// ToTOML returns the config serialized as TOML.
func (c *Config) ToTOML() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.TokenSecret != "" {
		out.Auth.TokenSecret = "[redacted]"
	}
	if out.Database.URL != "" {
		out.Database.URL = redactURL(out.Database.URL)
	}
	return out
}

func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme+3] + "[redacted]" + url[at:]
}

const defaultTOML = `# Ordinaut configuration
# Priority: defaults -> this file -> ORD_* environment -> CLI flags.

[server]
host = "0.0.0.0"
port = 8440
# Seconds to wait for in-flight requests on shutdown.
shutdown_timeout = 10

[database]
# PostgreSQL connection URL. Leave empty to run an embedded instance.
url = ""
max_conns = 25
min_conns = 2
health_check_interval = 30
# Embedded instance settings (used only when url is empty).
embedded_port = 15432
embedded_data_dir = ""

[auth]
# HMAC secret for agent bearer tokens. Empty disables auth entirely and
# every request acts as the system agent. Do not leave empty outside
# local development.
token_secret = ""

[scheduler]
enabled = true
# Seconds between catch-up sweeps over the task table.
sweep_interval = 30

[worker]
enabled = true
concurrency = 4
poll_interval_ms = 500
# Lease duration in seconds; renewed at half-life while a run executes.
lease_duration = 60
# Seconds granted to in-flight runs during shutdown.
shutdown_timeout = 30
# HTTP endpoint that executes task payloads. Empty logs and succeeds.
executor_url = ""

[logging]
# debug, info, warn, error
level = "info"
# json or text
format = "json"
`
