// Package maintenance runs the background jobs of the limits service: rolling
// expired bucket windows and trimming the debit ledger.
package maintenance

import (
	"context"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"github.com/router-for-me/QuotaLimits/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultSweepBatchSize     = 500
	DefaultSweepMaxIterations = 1000
)

// Sweeper rolls buckets whose window has ended and refills them.
type Sweeper struct {
	db            *gorm.DB
	batchSize     int
	maxIterations int
	now           func() time.Time
	metrics       *metrics.Metrics
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock overrides the wall clock.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepMetrics overrides the metrics sink.
func WithSweepMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper builds a Sweeper. Non-positive limits fall back to the defaults.
func NewSweeper(db *gorm.DB, batchSize, maxIterations int, opts ...SweeperOption) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	if maxIterations <= 0 {
		maxIterations = DefaultSweepMaxIterations
	}
	s := &Sweeper{
		db:            db,
		batchSize:     batchSize,
		maxIterations: maxIterations,
		now:           time.Now,
		metrics:       metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) effectiveBatchSize() int {
	if n, ok := settings.DBConfigInt(settings.LimitsSweepBatchSizeKey); ok && n > 0 {
		return n
	}
	return s.batchSize
}

// SweepExpiredBuckets processes due buckets in bounded batches, one transaction
// per batch, until none are left. It returns the number of buckets rolled.
func (s *Sweeper) SweepExpiredBuckets(ctx context.Context) (int, error) {
	now := s.now().UTC()
	batchSize := s.effectiveBatchSize()
	total := 0
	iteration := 0
	for ; iteration < s.maxIterations; iteration++ {
		if errCtx := ctx.Err(); errCtx != nil {
			s.metrics.SweepRun("canceled", total)
			return total, errCtx
		}
		var rolled int
		errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			page, errLock := store.LockDueBuckets(ctx, tx, now, batchSize)
			if errLock != nil {
				return errLock
			}
			for i := range page {
				RollBucket(&page[i], now)
				if errSave := store.SaveRolledBucket(ctx, tx, &page[i]); errSave != nil {
					return errSave
				}
			}
			rolled = len(page)
			return nil
		})
		if errTx != nil {
			s.metrics.SweepRun("error", total)
			return total, errTx
		}
		total += rolled
		if rolled < batchSize {
			break
		}
	}

	if iteration >= s.maxIterations {
		log.Warnf("limits sweep: stopped by max-iterations guard (iterations=%d batch=%d rolled=%d)", iteration, batchSize, total)
	} else {
		log.Infof("limits sweep: rolled=%d batch=%d iterations=%d", total, batchSize, iteration+1)
	}
	s.metrics.SweepRun("ok", total)
	return total, nil
}

// RollBucket moves a bucket's window forward until it contains now and
// refills it. Buckets whose window has not ended are left untouched.
func RollBucket(b *models.LimitBucket, now time.Time) {
	if b.NextResetAt.After(now) {
		return
	}
	if b.IntervalSeconds != nil && *b.IntervalSeconds > 0 {
		interval := time.Duration(*b.IntervalSeconds) * time.Second
		steps := now.Sub(b.NextResetAt)/interval + 1
		shift := steps * interval
		b.LastPeriodStart = b.LastPeriodStart.Add(shift)
		b.NextResetAt = b.NextResetAt.Add(shift)
	} else {
		length := b.NextResetAt.Sub(b.LastPeriodStart)
		if length <= 0 {
			b.LastPeriodStart = now
			b.NextResetAt = now.Add(time.Second)
		} else {
			for !b.NextResetAt.After(now) {
				b.LastPeriodStart = b.LastPeriodStart.Add(length)
				b.NextResetAt = b.NextResetAt.Add(length)
			}
		}
	}
	b.RemainingMicros = b.BaseLimitMicros
}
