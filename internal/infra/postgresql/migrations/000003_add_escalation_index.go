package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addEscalationIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_escalation_index",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_ndrs_open_opened_at ON ndrs (opened_at) WHERE status NOT IN ('delivered', 'rto_delivered', 'closed')`,
				`CREATE INDEX IF NOT EXISTS idx_ndr_actions_pending ON ndr_actions (occurred_at) WHERE external_status = 'PENDING'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_ndr_actions_pending`,
				`DROP INDEX IF EXISTS idx_ndrs_open_opened_at`,
			})
		},
	}
}
