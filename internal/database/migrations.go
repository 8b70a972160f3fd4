package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

const (
	migrationStripProviderPrefix  = "2026-03-02_strip_provider_prefix_from_user_ids"
	migrationBackfillRejectCounts = "2026-04-11_backfill_total_rejected"
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
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
		{name: migrationBackfillRejectCounts, apply: backfillRejectCounts},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripProviderPrefix rewrites legacy "google:<subject>" owner ids to the bare subject.
func stripProviderPrefix(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	for _, table := range []string{"generations", "cards", "profiles"} {
		statement := fmt.Sprintf("UPDATE %s SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%'", table, start, prefix)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillRejectCounts(db *gorm.DB) error {
	return db.Model(&generations.Generation{}).
		Where("status = ? AND total_rejected <> total_generated - total_accepted AND total_generated >= total_accepted", generations.StatusCompleted).
		Update("total_rejected", gorm.Expr("total_generated - total_accepted")).Error
}
