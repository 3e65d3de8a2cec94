package store

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/gorm"
)

// FindBinding loads the binding of userID to strategyID. It returns nil when absent.
func FindBinding(ctx context.Context, conn *gorm.DB, userID string, strategyID uint64) (*models.UserStrategy, error) {
	var row models.UserStrategy
	if errFind := conn.WithContext(ctx).
		Where("user_id = ? AND strategy_id = ?", userID, strategyID).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &row, nil
}

// LockUserAssignments serialises binding changes of one user until the
// transaction ends. It holds even before the user has any binding row.
func LockUserAssignments(ctx context.Context, tx *gorm.DB, userID string) error {
	return db.AdvisoryLock(tx.WithContext(ctx), "limits:assign:"+userID)
}

// ActiveBindings returns the active bindings of a user, newest first, with strategies loaded.
func ActiveBindings(ctx context.Context, conn *gorm.DB, userID string) ([]models.UserStrategy, error) {
	var rows []models.UserStrategy
	if errFind := conn.WithContext(ctx).
		Preload("Strategy").
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// CurrentBinding returns the newest active binding effective at the given
// instant. It returns nil when none is.
func CurrentBinding(ctx context.Context, conn *gorm.DB, userID string, at time.Time) (*models.UserStrategy, error) {
	rows, errFind := ActiveBindings(ctx, conn, userID)
	if errFind != nil {
		return nil, errFind
	}
	for i := range rows {
		if rows[i].EffectiveAt(at) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// DeactivateOtherBindings turns off every active binding of userID except the one to keepStrategyID.
func DeactivateOtherBindings(ctx context.Context, tx *gorm.DB, userID string, keepStrategyID uint64) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&models.UserStrategy{}).
		Where("user_id = ? AND is_active = ? AND strategy_id <> ?", userID, true, keepStrategyID).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// SaveBinding inserts or updates a binding.
func SaveBinding(ctx context.Context, tx *gorm.DB, binding *models.UserStrategy) error {
	if binding.ID == 0 {
		return tx.WithContext(ctx).
			Select("UserID", "StrategyID", "IsActive", "EffectiveFrom", "EffectiveTo", "CreatedAt", "UpdatedAt").
			Create(binding).Error
	}
	return tx.WithContext(ctx).
		Model(&models.UserStrategy{}).
		Where("id = ?", binding.ID).
		Updates(map[string]any{
			"is_active":      binding.IsActive,
			"effective_from": binding.EffectiveFrom,
			"effective_to":   binding.EffectiveTo,
			"updated_at":     time.Now().UTC(),
		}).Error
}
