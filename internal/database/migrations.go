package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPurgeAdminSessions  = "2026-09-20_purge_admin_sessions"
	migrationPurgeExpiredEntries = "2026-10-01_purge_expired_entries"
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
		{name: migrationPurgeAdminSessions, apply: purgeAdminSessions},
		{name: migrationPurgeExpiredEntries, apply: purgeExpiredEntries},
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

// Signs out every admin session stored before the first run of this migration,
// so only tokens minted by the random-token issuer remain. Admins sign in again
// once; the migration never runs twice.
func purgeAdminSessions(db *gorm.DB) error {
	return db.Where("entry_key GLOB ?", "admin:*").Delete(&kv.Entry{}).Error
}

func purgeExpiredEntries(db *gorm.DB) error {
	return db.Where("expires_at_ms > 0 AND expires_at_ms <= ?", time.Now().UnixMilli()).
		Delete(&kv.Entry{}).Error
}
