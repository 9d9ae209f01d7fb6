package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres, Redis and SQLite connections
//   - services.go: service modes, workers, retries and the sweeper
//   - export.go: backends, storage, rendering and export limits
//   - observability.go: metrics and failure notifications
type AppConfig struct {
	// IsDev seeds sample sources and jobs when the daemon starts.
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database configuration
	Postgres DBConfig     `envPrefix:"DB_"`
	Redis    RedisConfig  `envPrefix:"REDIS_"`
	SQLite   SQLiteConfig `envPrefix:"SQLITE_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"worker,sweeper"`

	// Backend selection for the job store and queue
	Backends BackendConfig

	// Worker pool configuration
	Worker WorkerConfig

	// Automatic retry policy
	Retry RetryConfig

	// Expiration sweeper configuration
	Sweeper SweeperConfig

	// Artifact storage configuration
	Storage StorageConfig

	// Render engine configuration
	Render RenderConfig

	// Export intake and retention
	Export ExportConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.Backends.Sanitize()
	c.Postgres.Sanitize()
	c.Redis.Sanitize()
	c.Worker.Sanitize()
	c.Retry.Sanitize()
	c.Sweeper.Sanitize()
	c.Storage.Sanitize()
	c.Render.Sanitize()
	c.Export.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode falls back to APP_ENV when DEV is unset.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the export worker pool is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsSweeperEnabled returns true if the expiration sweeper is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeSweeper]
}

// NeedsPostgres reports whether any selected backend uses Postgres.
func (c *AppConfig) NeedsPostgres() bool {
	return c.Backends.Store == BackendPostgres || c.Backends.Queue == BackendPostgres
}

// NeedsSQLite reports whether any selected backend uses SQLite.
func (c *AppConfig) NeedsSQLite() bool {
	return c.Backends.Store == BackendSQLite || c.Backends.Queue == BackendSQLite
}

// NeedsRedis reports whether the queue, storage or progress fan-out uses Redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Backends.Queue == BackendRedis || c.Storage.Backend == StorageBackendRedis || c.Export.RedisProgress
}
