package maintenance

import (
	"context"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"github.com/router-for-me/QuotaLimits/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultLedgerDeleteBatchSize = 5000
	maxDeleteBatchesPerRun       = 2000
)

// LedgerRetentionCleaner deletes ledger rows whose window started more than the
// configured number of days ago. Reversal only works inside the current window,
// so old rows are kept for lookups and replays alone.
type LedgerRetentionCleaner struct {
	db          *gorm.DB
	batchSize   int
	defaultDays int
	now         func() time.Time
	metrics     *metrics.Metrics
}

// NewLedgerRetentionCleaner returns nil when db is nil.
func NewLedgerRetentionCleaner(db *gorm.DB, defaultDays, batchSize int) *LedgerRetentionCleaner {
	if db == nil {
		return nil
	}
	if batchSize <= 0 {
		batchSize = defaultLedgerDeleteBatchSize
	}
	if defaultDays < 0 {
		defaultDays = settings.DefaultLedgerRetentionDays
	}
	return &LedgerRetentionCleaner{
		db:          db,
		batchSize:   batchSize,
		defaultDays: defaultDays,
		now:         time.Now,
		metrics:     metrics.Default(),
	}
}

func (c *LedgerRetentionCleaner) retentionDays() int {
	if days, ok := settings.DBConfigInt(settings.LedgerRetentionDaysKey); ok && days >= 0 {
		return days
	}
	return c.defaultDays
}

// CleanupOnce runs one retention pass and returns the number of deleted rows.
func (c *LedgerRetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	retentionDays := c.retentionDays()
	if retentionDays <= 0 {
		return 0
	}
	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := store.DeleteLedgerBefore(ctx, c.db, cutoff, c.batchSize)
		if err != nil {
			log.WithError(err).Warn("ledger retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		c.metrics.LedgerPurged(deletedTotal)
		log.Infof("ledger retention cleaner: deleted %d rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}
