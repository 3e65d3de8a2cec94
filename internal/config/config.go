// Package config loads the YAML configuration of the limits service.
package config

import "time"

// AppConfig carries process-level settings resolved from the command line.
type AppConfig struct {
	ConfigPath string
}

// Config is the full file configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	JWT      JWT      `yaml:"jwt"`
	Redis    Redis    `yaml:"redis"`
	Logging  Logging  `yaml:"logging"`
	Limits   Limits   `yaml:"limits"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Server configures the HTTP listener.
type Server struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// Database configures the SQL connection.
type Database struct {
	DSN           string        `yaml:"dsn"`
	LockTimeout   time.Duration `yaml:"lock-timeout"`
	SlowThreshold time.Duration `yaml:"slow-threshold"`
	MaxOpenConns  int           `yaml:"max-open-conns"`
}

// JWT configures token signing for admin and service callers.
type JWT struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// JWTConfig is the signing material handed to HTTP handlers.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// Redis configures the optional debit replay cache. An empty Addr disables it.
type Redis struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	ReplayTTL time.Duration `yaml:"replay-ttl"`
}

// Logging configures logrus output.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// Limits configures the limits engine and its background jobs.
type Limits struct {
	MissBehavior string    `yaml:"miss-behavior"`
	Scheduler    Scheduler `yaml:"scheduler"`
	Retention    Retention `yaml:"retention"`
	Default      Default   `yaml:"default"`
}

// Scheduler configures the bucket sweep.
type Scheduler struct {
	Enabled       *bool  `yaml:"enabled"`
	Cron          string `yaml:"cron"`
	Zone          string `yaml:"zone"`
	BatchSize     int    `yaml:"batch-size"`
	MaxIterations int    `yaml:"max-iterations"`
}

// Retention configures ledger pruning.
type Retention struct {
	Enabled    bool   `yaml:"enabled"`
	Cron       string `yaml:"cron"`
	LedgerDays int    `yaml:"ledger-days"`
	BatchSize  int    `yaml:"batch-size"`
}

// Default configures the seeded global default strategy.
type Default struct {
	Seed            *bool   `yaml:"seed"`
	StrategyName    string  `yaml:"strategy-name"`
	StrategyVersion int     `yaml:"strategy-version"`
	Daily           float64 `yaml:"daily"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled *bool `yaml:"enabled"`
}

// SchedulerEnabled reports whether the sweep job runs.
func (c *Config) SchedulerEnabled() bool { return boolOr(c.Limits.Scheduler.Enabled, true) }

// SeedDefault reports whether the default strategy is seeded on startup.
func (c *Config) SeedDefault() bool { return boolOr(c.Limits.Default.Seed, true) }

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool { return boolOr(c.Metrics.Enabled, true) }

// JWTConfig returns the signing material.
func (c *Config) JWTConfig() JWTConfig {
	return JWTConfig{Secret: c.JWT.Secret, Expiry: c.JWT.Expiry}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
