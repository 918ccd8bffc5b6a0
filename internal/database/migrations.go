package database

import (
	"errors"
	"time"

	"github.com/liftsync/liftsync/internal/receipts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillReceiptAppliedAt = "2026-09-14_backfill_receipt_applied_at"
	migrationClearAppliedReceiptError = "2026-09-21_clear_applied_receipt_error"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillReceiptAppliedAt, apply: backfillReceiptAppliedAt},
		{name: migrationClearAppliedReceiptError, apply: clearAppliedReceiptError},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Receipts applied before applied_at_s existed carry only updated_at_s.
func backfillReceiptAppliedAt(db *gorm.DB) error {
	return db.Model(&receipts.Receipt{}).
		Where("applied = ? AND applied_at_s IS NULL", true).
		Update("applied_at_s", gorm.Expr("updated_at_s")).Error
}

func clearAppliedReceiptError(db *gorm.DB) error {
	return db.Model(&receipts.Receipt{}).
		Where("applied = ? AND last_error IS NOT NULL", true).
		Update("last_error", nil).Error
}
