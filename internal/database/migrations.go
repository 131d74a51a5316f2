package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPersonaGenderClass = "2026-10-01_backfill_persona_gender_class"
	migrationClampNegativeCredits       = "2026-10-01_clamp_negative_credits"

	backfillBatchSize = 500
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
		{name: migrationBackfillPersonaGenderClass, apply: backfillPersonaGenderClass},
		{name: migrationClampNegativeCredits, apply: clampNegativeCredits},
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

// backfillPersonaGenderClass classifies personas written before gender_class
// existed.
func backfillPersonaGenderClass(db *gorm.DB) error {
	var batch []personas.Persona
	return db.Model(&personas.Persona{}).
		Select("persona_id", "gender").
		FindInBatches(&batch, backfillBatchSize, func(*gorm.DB, int) error {
			for _, persona := range batch {
				class := string(personas.ClassifyGender(persona.Gender))
				if err := db.Model(&personas.Persona{}).
					Where("persona_id = ?", persona.PersonaID.String()).
					UpdateColumn("gender_class", class).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

// clampNegativeCredits repairs balances that unguarded writers drove below zero.
func clampNegativeCredits(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("credits < 0").
		UpdateColumns(map[string]any{
			"credits": 0,
			"version": gorm.Expr("version + 1"),
		}).Error
}
