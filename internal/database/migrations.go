package database

import (
	"errors"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillProofreadBudget = "2026-08-11_backfill_proofread_budget"

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
		{name: migrationBackfillProofreadBudget, apply: backfillProofreadBudget},
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

// Rows written before the derived budget existed carry a zero budget, which
// would lock those users out of approving entirely.
func backfillProofreadBudget(db *gorm.DB) error {
	return db.Model(&quota.DailyUsage{}).
		Where("proofread_tokens_today < ?", quota.DefaultProofreadBudget).
		Update("proofread_tokens_today", quota.DefaultProofreadBudget).Error
}
