package models

import "time"

// LimitBucket stores the quota state of one (user, scope) pair for its current window.
type LimitBucket struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID   string `gorm:"type:varchar(255);not null;uniqueIndex:idx_limit_buckets_user_scope,priority:1;index"` // External user identifier.
	ScopeKey string `gorm:"type:varchar(512);not null;uniqueIndex:idx_limit_buckets_user_scope,priority:2"`       // Resolved scope key.

	BaseLimitMicros int64 `gorm:"not null;default:0"` // Window ceiling in micros.
	RemainingMicros int64 `gorm:"not null;default:0"` // Unconsumed amount in micros.

	IntervalSeconds *int64    // Fixed window length; nil for calendar windows.
	LastPeriodStart time.Time `gorm:"not null"`       // Start of the current window instance.
	NextResetAt     time.Time `gorm:"not null;index"` // Exclusive end of the current window instance.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (LimitBucket) TableName() string { return "limit_buckets" }
