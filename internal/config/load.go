package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default values for configuration fields.
const (
	DefaultConfigFile      = "config.yaml"
	DefaultListen          = ":8318"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultLockTimeout     = 5 * time.Second
	DefaultSlowThreshold   = 500 * time.Millisecond
	DefaultJWTExpiry       = 12 * time.Hour
	DefaultReplayTTL       = 24 * time.Hour
	DefaultRedisPrefix     = "quota:"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultLogMaxSizeMB    = 100
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAgeDays   = 30
	DefaultMissBehavior    = "USE_DEFAULT"
	DefaultSweepCron       = "0 0 0 * * *"
	DefaultSweepZone       = "Europe/Moscow"
	DefaultSweepBatchSize  = 500
	DefaultSweepMaxIter    = 1000
	DefaultRetentionCron   = "0 30 3 * * *"
	DefaultRetentionBatch  = 1000
	DefaultStrategyName    = "GLOBAL"
	DefaultStrategyVersion = 1
	DefaultDailyLimit      = 10000.0

	envConfigPath = "QUOTA_CONFIG"
	minSecretLen  = 16
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ResolveConfigPath returns the absolute configuration path, falling back to
// QUOTA_CONFIG and then config.yaml in the working directory.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path == "" {
		path = DefaultConfigFile
	}
	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		return abs
	}
	return path
}

// Load reads, defaults, overrides from the environment and validates the file.
// A missing file yields a configuration built from defaults and environment.
func Load(path string) (*Config, error) {
	var cfg Config
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errDecode := yaml.Unmarshal(data, &cfg); errDecode != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errDecode)
		}
	case errors.Is(errRead, os.ErrNotExist):
		log.Warnf("config file %s not found, using defaults and environment", path)
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if errValidate := Validate(&cfg); errValidate != nil {
		return nil, fmt.Errorf("config: %s: %w", path, errValidate)
	}
	return &cfg, nil
}

// LoadDatabaseDSN loads only the database DSN from the configuration.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}

// LoadJWTConfig loads the token signing settings.
func LoadJWTConfig(path string) (JWTConfig, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return JWTConfig{}, errLoad
	}
	if cfg.JWT.Secret == "" {
		return JWTConfig{}, fmt.Errorf("config: jwt.secret is required")
	}
	return cfg.JWTConfig(), nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Database.LockTimeout <= 0 {
		cfg.Database.LockTimeout = DefaultLockTimeout
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = DefaultJWTExpiry
	}
	if cfg.Redis.ReplayTTL <= 0 {
		cfg.Redis.ReplayTTL = DefaultReplayTTL
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	limits := &cfg.Limits
	limits.MissBehavior = strings.ToUpper(strings.TrimSpace(limits.MissBehavior))
	if limits.MissBehavior == "" {
		limits.MissBehavior = DefaultMissBehavior
	}
	if limits.Scheduler.Cron == "" {
		limits.Scheduler.Cron = DefaultSweepCron
	}
	if limits.Scheduler.Zone == "" {
		limits.Scheduler.Zone = DefaultSweepZone
	}
	if limits.Scheduler.BatchSize <= 0 {
		limits.Scheduler.BatchSize = DefaultSweepBatchSize
	}
	if limits.Scheduler.MaxIterations <= 0 {
		limits.Scheduler.MaxIterations = DefaultSweepMaxIter
	}
	if limits.Retention.Cron == "" {
		limits.Retention.Cron = DefaultRetentionCron
	}
	if limits.Retention.BatchSize <= 0 {
		limits.Retention.BatchSize = DefaultRetentionBatch
	}
	if limits.Default.StrategyName == "" {
		limits.Default.StrategyName = DefaultStrategyName
	}
	if limits.Default.StrategyVersion <= 0 {
		limits.Default.StrategyVersion = DefaultStrategyVersion
	}
	if limits.Default.Daily <= 0 {
		limits.Default.Daily = DefaultDailyLimit
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.JWT.Secret != "" && len(cfg.JWT.Secret) < minSecretLen {
		return fmt.Errorf("jwt.secret must be at least %d characters", minSecretLen)
	}
	switch cfg.Limits.MissBehavior {
	case "USE_DEFAULT", "REJECT":
	default:
		return fmt.Errorf("limits.miss-behavior must be USE_DEFAULT or REJECT, got %q", cfg.Limits.MissBehavior)
	}
	if _, errParse := cronParser.Parse(cfg.Limits.Scheduler.Cron); errParse != nil {
		return fmt.Errorf("limits.scheduler.cron: %w", errParse)
	}
	if _, errZone := time.LoadLocation(cfg.Limits.Scheduler.Zone); errZone != nil {
		return fmt.Errorf("limits.scheduler.zone: %w", errZone)
	}
	if cfg.Limits.Retention.Enabled {
		if _, errParse := cronParser.Parse(cfg.Limits.Retention.Cron); errParse != nil {
			return fmt.Errorf("limits.retention.cron: %w", errParse)
		}
	}
	if cfg.Limits.Retention.LedgerDays < 0 {
		return fmt.Errorf("limits.retention.ledger-days must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	if _, errLevel := log.ParseLevel(cfg.Logging.Level); errLevel != nil {
		return fmt.Errorf("logging.level: %w", errLevel)
	}
	return nil
}

// applyEnvOverrides applies QUOTA_* environment variables over the file values.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("QUOTA_DATABASE_DSN"); val != "" {
		cfg.Database.DSN = val
	}
	if val := os.Getenv("QUOTA_SERVER_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv("QUOTA_JWT_SECRET"); val != "" {
		cfg.JWT.Secret = val
	}
	if val := os.Getenv("QUOTA_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("QUOTA_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("QUOTA_REDIS_DB"); val != "" {
		if i, errAtoi := strconv.Atoi(val); errAtoi == nil {
			cfg.Redis.DB = i
		}
	}
	if val := os.Getenv("QUOTA_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("QUOTA_LIMITS_MISS_BEHAVIOR"); val != "" {
		cfg.Limits.MissBehavior = strings.ToUpper(strings.TrimSpace(val))
	}
	if val := os.Getenv("QUOTA_DATABASE_LOCK_TIMEOUT"); val != "" {
		if d, errParse := time.ParseDuration(val); errParse == nil {
			cfg.Database.LockTimeout = d
		}
	}
}
