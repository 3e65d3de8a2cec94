package store

import (
	"context"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/gorm"
)

// LedgerRowsForTx returns the ledger rows of one transaction in write order.
func LedgerRowsForTx(ctx context.Context, conn *gorm.DB, userID, txID string) ([]models.LimitTx, error) {
	var rows []models.LimitTx
	if errFind := conn.WithContext(ctx).
		Where("user_id = ? AND tx_id = ?", userID, txID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// LockDebitTx serialises debits sharing (userID, txID) until the transaction
// ends, whichever scopes their attributes resolve to.
func LockDebitTx(ctx context.Context, tx *gorm.DB, userID, txID string) error {
	return db.AdvisoryLock(tx.WithContext(ctx), "limits:debit:"+userID+":"+txID)
}

// SumLedgerUsage totals the amounts logged for one scope window instance.
func SumLedgerUsage(ctx context.Context, conn *gorm.DB, userID, scopeKey string, periodStart time.Time) (int64, error) {
	var total int64
	if errSum := conn.WithContext(ctx).
		Model(&models.LimitTx{}).
		Where("user_id = ? AND scope_key = ? AND period_start = ?", userID, scopeKey, periodStart.UTC()).
		Select("COALESCE(SUM(amount_micros), 0)").
		Scan(&total).Error; errSum != nil {
		return 0, errSum
	}
	return total, nil
}

// InsertLedgerRows appends ledger rows.
func InsertLedgerRows(ctx context.Context, tx *gorm.DB, rows []models.LimitTx) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&rows).Error
}

// DeleteLedgerRows removes ledger rows by id.
func DeleteLedgerRows(ctx context.Context, tx *gorm.DB, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := tx.WithContext(ctx).Where("id IN ?", ids).Delete(&models.LimitTx{})
	return res.RowsAffected, res.Error
}

// DeleteLedgerBefore deletes at most limit rows whose window started before cutoff.
func DeleteLedgerBefore(ctx context.Context, conn *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	// A limited subquery keeps each delete short.
	res := conn.WithContext(ctx).Exec(`
		DELETE FROM limit_tx_registry
		WHERE id IN (
			SELECT id FROM limit_tx_registry
			WHERE period_start < ?
			ORDER BY period_start ASC
			LIMIT ?
		)
	`, cutoff.UTC(), limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
