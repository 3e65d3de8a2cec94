// Package store holds the row-level persistence for strategies, bindings,
// quota buckets and the debit ledger.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleWindow is returned when a write targets a window older than the bucket's current one.
var ErrStaleWindow = errors.New("store: window already closed")

// WindowState is the target window for a bucket.
type WindowState struct {
	LimitMicros     int64
	IntervalSeconds *int64
	Start           time.Time
	Next            time.Time
}

// FindBucket loads a bucket without locking it. It returns nil when absent.
func FindBucket(ctx context.Context, conn *gorm.DB, userID, scopeKey string) (*models.LimitBucket, error) {
	var bucket models.LimitBucket
	if errFind := conn.WithContext(ctx).
		Where("user_id = ? AND scope_key = ?", userID, scopeKey).
		First(&bucket).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &bucket, nil
}

// LockBucket loads a bucket holding an exclusive row lock. It returns nil when absent.
func LockBucket(ctx context.Context, tx *gorm.DB, userID, scopeKey string) (*models.LimitBucket, error) {
	var bucket models.LimitBucket
	if errFind := db.ForUpdate(tx.WithContext(ctx)).
		Where("user_id = ? AND scope_key = ?", userID, scopeKey).
		First(&bucket).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &bucket, nil
}

// EnsureBucket returns the locked bucket for (userID, scopeKey) aligned to w.
// A missing bucket is created full. A bucket from an earlier window is rolled
// forward and refilled. A bucket in the same window whose ceiling changed keeps
// its consumption and gets the new ceiling.
func EnsureBucket(ctx context.Context, tx *gorm.DB, userID, scopeKey string, w WindowState) (*models.LimitBucket, error) {
	start, next := w.Start.UTC(), w.Next.UTC()
	fresh := models.LimitBucket{
		UserID:          userID,
		ScopeKey:        scopeKey,
		BaseLimitMicros: w.LimitMicros,
		RemainingMicros: w.LimitMicros,
		IntervalSeconds: w.IntervalSeconds,
		LastPeriodStart: start,
		NextResetAt:     next,
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "scope_key"}},
			DoNothing: true,
		}).
		Create(&fresh)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return &fresh, nil
	}

	bucket, errLock := LockBucket(ctx, tx, userID, scopeKey)
	if errLock != nil {
		return nil, errLock
	}
	if bucket == nil {
		return nil, gorm.ErrRecordNotFound
	}

	updates := map[string]any{}
	switch {
	case start.Before(bucket.LastPeriodStart):
		return nil, ErrStaleWindow
	case !start.Equal(bucket.LastPeriodStart):
		bucket.BaseLimitMicros = w.LimitMicros
		bucket.RemainingMicros = w.LimitMicros
		bucket.LastPeriodStart = start
		updates["base_limit_micros"] = bucket.BaseLimitMicros
		updates["remaining_micros"] = bucket.RemainingMicros
		updates["last_period_start"] = bucket.LastPeriodStart
	case bucket.BaseLimitMicros != w.LimitMicros:
		used := bucket.BaseLimitMicros - bucket.RemainingMicros
		bucket.BaseLimitMicros = w.LimitMicros
		bucket.RemainingMicros = max(w.LimitMicros-used, 0)
		updates["base_limit_micros"] = bucket.BaseLimitMicros
		updates["remaining_micros"] = bucket.RemainingMicros
	}
	if !bucket.NextResetAt.Equal(next) {
		bucket.NextResetAt = next
		updates["next_reset_at"] = next
	}
	if !sameInterval(bucket.IntervalSeconds, w.IntervalSeconds) {
		bucket.IntervalSeconds = w.IntervalSeconds
		updates["interval_seconds"] = w.IntervalSeconds
	}
	if len(updates) == 0 {
		return bucket, nil
	}
	if errUpdate := tx.WithContext(ctx).
		Model(&models.LimitBucket{}).
		Where("id = ?", bucket.ID).
		Updates(updates).Error; errUpdate != nil {
		return nil, errUpdate
	}
	return bucket, nil
}

// AdjustRemaining adds delta (negative to debit) to a bucket's remaining amount.
func AdjustRemaining(ctx context.Context, tx *gorm.DB, bucketID uint64, delta int64) error {
	return tx.WithContext(ctx).
		Model(&models.LimitBucket{}).
		Where("id = ?", bucketID).
		Update("remaining_micros", gorm.Expr("remaining_micros + ?", delta)).Error
}

// SumRemaining totals the remaining amount across every bucket of a user.
func SumRemaining(ctx context.Context, conn *gorm.DB, userID string) (int64, error) {
	var total int64
	if errSum := conn.WithContext(ctx).
		Model(&models.LimitBucket{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(remaining_micros), 0)").
		Scan(&total).Error; errSum != nil {
		return 0, errSum
	}
	return total, nil
}

// ListUserBuckets returns every bucket of a user ordered by scope.
func ListUserBuckets(ctx context.Context, conn *gorm.DB, userID string) ([]models.LimitBucket, error) {
	var rows []models.LimitBucket
	if errFind := conn.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("scope_key ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// LockDueBuckets locks up to limit buckets whose window ended at or before now,
// skipping rows another transaction already holds.
func LockDueBuckets(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]models.LimitBucket, error) {
	var rows []models.LimitBucket
	if errFind := db.ForUpdateSkipLocked(tx.WithContext(ctx)).
		Where("next_reset_at <= ?", now.UTC()).
		Order("next_reset_at ASC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// SaveRolledBucket persists the window fields and balance of a rolled bucket.
func SaveRolledBucket(ctx context.Context, tx *gorm.DB, bucket *models.LimitBucket) error {
	return tx.WithContext(ctx).
		Model(&models.LimitBucket{}).
		Where("id = ?", bucket.ID).
		Updates(map[string]any{
			"last_period_start": bucket.LastPeriodStart.UTC(),
			"next_reset_at":     bucket.NextResetAt.UTC(),
			"remaining_micros":  bucket.RemainingMicros,
		}).Error
}

func sameInterval(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
