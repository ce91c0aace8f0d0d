// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Moneta operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Mode selects the adapter set the runtime wires up.
type Mode string

const (
	// ModeFake wires the in-process fake exchange and payment network.
	ModeFake Mode = "fake"
	// ModeLive wires real exchange adapters and a live network client.
	ModeLive Mode = "live"
)

// EnvDatabaseDSN overrides the configured database DSN when set.
const EnvDatabaseDSN = "MONETA_DATABASE_DSN"

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if override := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); override != "" {
		c.DSN = override
	}
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/moneta"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if strings.TrimSpace(c.MigrationsDir) == "" {
		c.MigrationsDir = "db/migrations"
	}
	c.MigrationsDir = filepath.Clean(strings.TrimSpace(c.MigrationsDir))
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// PollerConfig paces snapshot ingestion from the payment network.
type PollerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batchSize"`
	MinConfirmations int           `yaml:"minConfirmations"`
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = 1
	}
}

func (c PollerConfig) validate() error {
	if c.Interval < 100*time.Millisecond {
		return fmt.Errorf("interval must be >=100ms")
	}
	if c.BatchSize > 1000 {
		return fmt.Errorf("batchSize must be <=1000")
	}
	return nil
}

// DispatcherConfig sizes the durable event dispatcher.
type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batchSize"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
}

func (c DispatcherConfig) validate() error {
	if c.Workers > 256 {
		return fmt.Errorf("workers must be <=256")
	}
	if c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("initialBackoff must be <= maxBackoff")
	}
	return nil
}

// KeyPoolConfig controls balance cache freshness for pooled API keys.
type KeyPoolConfig struct {
	Staleness       time.Duration `yaml:"staleness"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

func (c *KeyPoolConfig) applyDefaults() {
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
}

func (c KeyPoolConfig) validate() error {
	if c.RefreshInterval >= c.Staleness {
		return fmt.Errorf("refreshInterval must be < staleness")
	}
	return nil
}

// SettleConfig paces exchange interaction during order settlement.
type SettleConfig struct {
	TrackInterval     time.Duration `yaml:"trackInterval"`
	RemoteTimeout     time.Duration `yaml:"remoteTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

func (c *SettleConfig) applyDefaults() {
	if c.TrackInterval <= 0 {
		c.TrackInterval = 2 * time.Second
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

func (c SettleConfig) validate() error {
	if c.RequestsPerSecond > 1000 {
		return fmt.Errorf("requestsPerSecond must be <=1000")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AdminConfig configures the admin HTTP control surface.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified Moneta application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Mode        Mode             `yaml:"mode"`
	Exchanges   []string         `yaml:"exchanges"`
	Database    DatabaseConfig   `yaml:"database"`
	Poller      PollerConfig     `yaml:"poller"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	KeyPool     KeyPoolConfig    `yaml:"keyPool"`
	Settle      SettleConfig     `yaml:"settle"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Admin       AdminConfig      `yaml:"admin"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeFake
	}

	exchanges := make([]string, 0, len(c.Exchanges))
	seen := make(map[string]struct{}, len(c.Exchanges))
	for _, name := range c.Exchanges {
		trimmed := strings.ToLower(strings.TrimSpace(name))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		exchanges = append(exchanges, trimmed)
	}
	c.Exchanges = exchanges

	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:8720"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "moneta"
	}

	c.Database.applyDefaults()
	c.Poller.applyDefaults()
	c.Dispatcher.applyDefaults()
	c.KeyPool.applyDefaults()
	c.Settle.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Mode {
	case ModeFake, ModeLive:
	default:
		return fmt.Errorf("mode must be one of fake, live")
	}
	if c.Mode == ModeLive && len(c.Exchanges) == 0 {
		return fmt.Errorf("live mode requires at least one exchange")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Poller.validate(); err != nil {
		return fmt.Errorf("poller: %w", err)
	}
	if err := c.Dispatcher.validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := c.KeyPool.validate(); err != nil {
		return fmt.Errorf("keyPool: %w", err)
	}
	if err := c.Settle.validate(); err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
