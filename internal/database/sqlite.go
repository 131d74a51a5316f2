package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/credits"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/idempotency"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every collection the service persists.
func Models() []any {
	return []any{
		&users.User{},
		&credits.CreditTransaction{},
		&gifts.GiftTransactionRecord{},
		&personas.Persona{},
		&conversations.Conversation{},
		&idempotency.Record{},
		&migrationRecord{},
	}
}

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

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := migrateAccountIDs(db); err != nil && logger != nil {
		logger.Warn("account id migration failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// migrateAccountIDs strips the provider prefix older sessions stored on
// account ids so lookups by JWT subject keep matching.
func migrateAccountIDs(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statement := fmt.Sprintf("UPDATE users SET account_id = substr(account_id, %d) WHERE account_id LIKE '%s%%';", start, prefix)
	return db.Exec(statement).Error
}
