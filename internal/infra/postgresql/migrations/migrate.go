package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/metropoint/drip-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_campaigns",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.CampaignModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.CampaignModel{})
			},
		},
		{
			ID: "000002_create_contact_snapshots",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ContactSnapshotModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_contact_snapshots_classification ON contact_snapshots (classification)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ContactSnapshotModel{})
			},
		},
		{
			ID: "000003_create_campaign_enrollments",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.EnrollmentModel{}); err != nil {
					return err
				}
				indexes := []string{
					// One ACTIVE enrollment per (contact, campaign) at any time.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active_contact_campaign ON campaign_enrollments (contact_id, campaign_id) WHERE status = 'ACTIVE'`,
					`CREATE INDEX IF NOT EXISTS idx_enrollments_status_enrolled ON campaign_enrollments (status, enrolled_at)`,
					`CREATE INDEX IF NOT EXISTS idx_enrollments_contact_id ON campaign_enrollments (contact_id)`,
					`CREATE INDEX IF NOT EXISTS idx_enrollments_campaign_id ON campaign_enrollments (campaign_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.EnrollmentModel{})
			},
		},
		{
			ID: "000004_create_email_sends",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.SendLogModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_email_sends_enrollment_id ON email_sends (enrollment_id)`,
					`CREATE INDEX IF NOT EXISTS idx_email_sends_contact_id ON email_sends (contact_id)`,
					`CREATE INDEX IF NOT EXISTS idx_email_sends_token ON email_sends (idempotency_token)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.SendLogModel{})
			},
		},
	})

	return m.Migrate()
}
