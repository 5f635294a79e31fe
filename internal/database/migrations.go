package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseEventIdentifiers = "2024-01-15_lowercase_event_identifiers"

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
		{name: migrationLowercaseEventIdentifiers, apply: lowercaseEventIdentifiers},
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

// lowercaseEventIdentifiers rewrites rows written by indexers that stored
// checksummed addresses and mixed-case fingerprints.
func lowercaseEventIdentifiers(db *gorm.DB) error {
	tables := []struct {
		model   any
		columns []string
	}{
		{model: &events.SetCreated{}, columns: []string{"owner_identity", "collection_id", "transaction_id"}},
		{model: &events.ObjectCommitted{}, columns: []string{"owner_identity", "fingerprint", "transaction_id"}},
		{model: &events.ObjectAddedToSet{}, columns: []string{"owner_identity", "collection_id", "fingerprint", "transaction_id"}},
	}

	for _, table := range tables {
		updates := make(map[string]any, len(table.columns))
		for _, column := range table.columns {
			updates[column] = gorm.Expr("LOWER(" + column + ")")
		}
		err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Model(table.model).
			Updates(updates).Error
		if err != nil {
			return err
		}
	}
	return nil
}
