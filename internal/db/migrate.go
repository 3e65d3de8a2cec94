package db

import (
	"fmt"

	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Setting{},
		&models.Admin{},
		&models.Strategy{},
		&models.UserStrategy{},
		&models.LimitBucket{},
		&models.LimitTx{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
