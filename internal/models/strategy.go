package models

import (
	"time"

	"gorm.io/datatypes"
)

// Strategy is a named, versioned limits policy.
type Strategy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_strategies_name_version,priority:1"` // Policy name.
	Version int    `gorm:"not null;uniqueIndex:idx_strategies_name_version,priority:2"`                   // Policy version.

	Enabled   bool `gorm:"not null"`                     // Whether the policy may be matched.
	IsDefault bool `gorm:"not null;default:false;index"` // Fallback policy flag.

	Spec   datatypes.JSON `gorm:"type:jsonb"` // Match predicate, scope template and attribute contract.
	Limits datatypes.JSON `gorm:"type:jsonb"` // Window definitions.
	DSL    string         `gorm:"type:text"`  // Free-form rule text kept for operators.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Strategy) TableName() string { return "strategies" }
