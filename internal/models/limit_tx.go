package models

import (
	"time"

	"gorm.io/datatypes"
)

// LimitTx is one ledger row written by a successful debit for a single scope window.
type LimitTx struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID      string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_limit_tx_unique,priority:1;index:idx_limit_tx_user_tx,priority:1"` // External user identifier.
	ScopeKey    string    `gorm:"type:varchar(512);not null;uniqueIndex:idx_limit_tx_unique,priority:2"`                                       // Debited scope.
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_limit_tx_unique,priority:3;index"`                                                   // Window instance of the scope.
	TxID        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_limit_tx_unique,priority:4;index:idx_limit_tx_user_tx,priority:2"` // Client transaction id.

	AmountMicros int64          `gorm:"not null"`   // Debited amount in micros.
	Result       datatypes.JSON `gorm:"type:jsonb"` // Snapshot of the debit result for replays.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// TableName overrides the default table name.
func (LimitTx) TableName() string { return "limit_tx_registry" }
