package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sessions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const foreignKeysPragma = "_pragma=foreign_keys(1)"

// OpenSQLite establishes a SQLite connection with foreign keys enforced and performs
// schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withForeignKeys(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the schema and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return err
	}
	if err := db.AutoMigrate(
		&ledger.CNodeUser{},
		&ledger.ClockRecord{},
		&blacklist.Entry{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	if err := sessions.AutoMigrate(db); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func withForeignKeys(path string) string {
	if strings.Contains(path, "foreign_keys") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + foreignKeysPragma
}
