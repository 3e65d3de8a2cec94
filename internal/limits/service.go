// Package limits enforces per-user quotas: debits, reversals, checks, policy
// assignment and policy registration.
package limits

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultReplayTTL   = 24 * time.Hour
)

// Config holds the tunables of a Service.
type Config struct {
	MissBehavior MissBehavior
	LockTimeout  time.Duration
	ReplayTTL    time.Duration
}

// ReplayCache stores debit results in front of the ledger.
type ReplayCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service runs the limits operations against a relational store.
type Service struct {
	db      *gorm.DB
	cfg     atomic.Pointer[Config]
	replay  ReplayCache
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithReplayCache puts a cache in front of ledger replays.
func WithReplayCache(cache ReplayCache) Option {
	return func(s *Service) { s.replay = cache }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a Service.
func NewService(conn *gorm.DB, cfg Config, opts ...Option) *Service {
	s := &Service{
		db:      conn,
		metrics: metrics.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.UpdateConfig(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateConfig swaps the tunables. Safe for concurrent use.
func (s *Service) UpdateConfig(cfg Config) {
	if mb, ok := ParseMissBehavior(string(cfg.MissBehavior)); ok {
		cfg.MissBehavior = mb
	} else {
		cfg.MissBehavior = MissUseDefault
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = defaultReplayTTL
	}
	s.cfg.Store(&cfg)
}

func (s *Service) config() Config {
	return *s.cfg.Load()
}

// missBehavior prefers the DB override over the file configuration.
func (s *Service) missBehavior() MissBehavior {
	if raw, ok := settings.DBConfigString(settings.LimitsMissBehaviorKey); ok {
		if mb, okParse := ParseMissBehavior(raw); okParse {
			return mb
		}
		log.Warnf("limits: ignoring invalid %s override %q", settings.LimitsMissBehaviorKey, raw)
	}
	return s.config().MissBehavior
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// inTx runs fn in one transaction with a bounded lock wait.
func (s *Service) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	timeout := s.config().LockTimeout
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errLock := db.SetLockTimeout(tx, timeout); errLock != nil {
			return errLock
		}
		return fn(tx)
	})
	if errTx == nil {
		return nil
	}
	var lerr *Error
	if errors.As(errTx, &lerr) {
		return errTx
	}
	if db.IsLockTimeout(errTx) {
		return &Error{Kind: KindLockTimeout, Message: "Lock wait timed out, retry the request", Err: errTx}
	}
	return errTx
}

func (s *Service) observe(operation string, started time.Time, err error, success string) {
	outcome := success
	switch KindOf(err) {
	case "":
		if err != nil {
			outcome = metrics.OutcomeError
		}
	case KindInsufficientLimit:
		outcome = metrics.OutcomeDeclined
	case KindClientInput, KindNotFound, KindConflict:
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	s.metrics.ObserveOperation(operation, outcome, time.Since(started))
}

func normalizeUpper(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
