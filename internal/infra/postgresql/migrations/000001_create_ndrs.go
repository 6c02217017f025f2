package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"gorm.io/gorm"
)

func createNDRsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_ndrs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NDRModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_ndrs_status_opened ON ndrs (status, opened_at)`,
				`CREATE INDEX IF NOT EXISTS idx_ndrs_reason_code ON ndrs (reason_code)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NDRModel{})
		},
	}
}
