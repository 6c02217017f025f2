package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"gorm.io/gorm"
)

func createNDRActionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_ndr_actions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NDRActionModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_ndr_actions_ndr_seq ON ndr_actions (ndr_id, seq)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_ndr_actions_event_key ON ndr_actions (ndr_id, event_key) WHERE event_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_ndr_actions_correlation_id ON ndr_actions (external_correlation_id) WHERE external_correlation_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NDRActionModel{})
		},
	}
}
