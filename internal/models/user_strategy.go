package models

import "time"

// UserStrategy binds a user to a strategy for an optional effective window.
type UserStrategy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID     string `gorm:"type:varchar(255);not null;uniqueIndex:idx_user_strategies_user_strategy,priority:1;index"` // External user identifier.
	StrategyID uint64 `gorm:"not null;uniqueIndex:idx_user_strategies_user_strategy,priority:2"`                         // Bound strategy.

	IsActive      bool       `gorm:"not null"` // Activation flag; written explicitly on insert.
	EffectiveFrom *time.Time // Inclusive start of the effective window.
	EffectiveTo   *time.Time // Exclusive end of the effective window.

	Strategy Strategy `gorm:"foreignKey:StrategyID"` // Strategy relation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (UserStrategy) TableName() string { return "user_strategies" }

// EffectiveAt reports whether the binding is active and inside its effective window at t.
func (u *UserStrategy) EffectiveAt(t time.Time) bool {
	if u == nil || !u.IsActive {
		return false
	}
	if u.EffectiveFrom != nil && t.Before(*u.EffectiveFrom) {
		return false
	}
	if u.EffectiveTo != nil && !t.Before(*u.EffectiveTo) {
		return false
	}
	return true
}
