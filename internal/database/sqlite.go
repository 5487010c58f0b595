package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/kotonoha-labs/kotonoha/backend/internal/changeset"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"github.com/kotonoha-labs/kotonoha/backend/internal/token"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate ensures the schema for every persisted model. Exposed so tests can
// build in-memory databases with the production schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&quota.CounterCell{},
		&quota.DailyUsage{},
		&token.SingleUseToken{},
		&users.Identity{},
		&users.RoleGrant{},
		&changeset.Changeset{},
		&changeset.ChangesetItem{},
		&changeset.Review{},
		&lexicon.CanonicalEntry{},
		&lexicon.HistorySnapshot{},
		&migrationRecord{},
	)
}
