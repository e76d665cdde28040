package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeTagUIDs     = "2026-09-30_normalize_tag_uids_uppercase"
	migrationNormalizeAttemptUIDs = "2026-10-02_normalize_attempt_uids_uppercase"
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
		{name: migrationNormalizeTagUIDs, apply: normalizeTagUIDs},
		{name: migrationNormalizeAttemptUIDs, apply: normalizeAttemptUIDs},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early provisioning scripts stored lower-case uids, which never matched the
// canonical upper-case form used for lookups.
func normalizeTagUIDs(db *gorm.DB) error {
	return db.Model(&tags.Tag{}).
		Where("uid <> upper(uid)").
		Update("uid", gorm.Expr("upper(uid)")).Error
}

func normalizeAttemptUIDs(db *gorm.DB) error {
	return db.Model(&attempts.Attempt{}).
		Where("tag_uid <> upper(tag_uid)").
		Update("tag_uid", gorm.Expr("upper(tag_uid)")).Error
}
