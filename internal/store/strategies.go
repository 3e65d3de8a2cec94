package store

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/gorm"
)

// StrategyFilter narrows ListStrategies.
type StrategyFilter struct {
	Enabled   *bool
	IsDefault *bool
}

// FindStrategy loads a strategy by id. It returns nil when absent.
func FindStrategy(ctx context.Context, conn *gorm.DB, id uint64) (*models.Strategy, error) {
	var row models.Strategy
	if errFind := conn.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &row, nil
}

// FindStrategyByNameVersion loads a strategy by its identity. It returns nil when absent.
func FindStrategyByNameVersion(ctx context.Context, conn *gorm.DB, name string, version int) (*models.Strategy, error) {
	var row models.Strategy
	if errFind := conn.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	return &row, nil
}

// ListStrategies returns strategies ordered by name and version.
func ListStrategies(ctx context.Context, conn *gorm.DB, filter StrategyFilter) ([]models.Strategy, error) {
	q := conn.WithContext(ctx).Model(&models.Strategy{})
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", *filter.Enabled)
	}
	if filter.IsDefault != nil {
		q = q.Where("is_default = ?", *filter.IsDefault)
	}
	var rows []models.Strategy
	if errFind := q.Order("name ASC").Order("version ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// EnabledDefaults returns every enabled strategy flagged as default.
func EnabledDefaults(ctx context.Context, conn *gorm.DB) ([]models.Strategy, error) {
	var rows []models.Strategy
	if errFind := conn.WithContext(ctx).
		Where("is_default = ? AND enabled = ?", true, true).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// ActiveStrategiesForUser returns the enabled strategies bound to userID whose
// binding is active and effective at the given instant.
func ActiveStrategiesForUser(ctx context.Context, conn *gorm.DB, userID string, at time.Time) ([]models.Strategy, error) {
	bindings, errBindings := ActiveBindings(ctx, conn, userID)
	if errBindings != nil {
		return nil, errBindings
	}
	var out []models.Strategy
	seen := map[uint64]struct{}{}
	for i := range bindings {
		b := &bindings[i]
		if !b.EffectiveAt(at) || !b.Strategy.Enabled {
			continue
		}
		if _, ok := seen[b.StrategyID]; ok {
			continue
		}
		seen[b.StrategyID] = struct{}{}
		out = append(out, b.Strategy)
	}
	return out, nil
}

// CreateStrategy inserts a strategy, honouring an explicit false enabled flag.
func CreateStrategy(ctx context.Context, tx *gorm.DB, row *models.Strategy) error {
	return tx.WithContext(ctx).
		Select("Name", "Version", "Enabled", "IsDefault", "Spec", "Limits", "DSL", "CreatedAt", "UpdatedAt").
		Create(row).Error
}

// SetStrategyEnabled toggles the enabled flag. It reports whether the strategy exists.
func SetStrategyEnabled(ctx context.Context, conn *gorm.DB, id uint64, enabled bool) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	existing, errFind := FindStrategy(ctx, conn, id)
	if errFind != nil {
		return false, errFind
	}
	return existing != nil, nil
}

// MakeDefault clears the default flag everywhere else and sets it on id. Run it
// inside a transaction so readers never observe two defaults.
func MakeDefault(ctx context.Context, tx *gorm.DB, id uint64) error {
	if errClear := tx.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("is_default = ? AND id <> ?", true, id).
		Update("is_default", false).Error; errClear != nil {
		return errClear
	}
	return tx.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Update("is_default", true).Error
}
