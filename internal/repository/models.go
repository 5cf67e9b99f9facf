package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metropoint/drip-engine/internal/domain"
)

// StepList stores a campaign's step sequence as a JSONB column.
type StepList []domain.CampaignStep

func (l StepList) Value() (driver.Value, error) { return json.Marshal(l) }

func (l *StepList) Scan(value any) error { return scanJSON(value, l) }

// StringList stores a string set (e.g. auto-enroll classifications) as JSONB.
type StringList []string

func (l StringList) Value() (driver.Value, error) { return json.Marshal(l) }

func (l *StringList) Scan(value any) error { return scanJSON(value, l) }

// ScheduleList stores an enrollment's step schedule snapshot as JSONB.
type ScheduleList []domain.StepState

func (l ScheduleList) Value() (driver.Value, error) { return json.Marshal(l) }

func (l *ScheduleList) Scan(value any) error { return scanJSON(value, l) }

// AttributeMap stores contact merge-field attributes as JSONB.
type AttributeMap map[string]string

func (m AttributeMap) Value() (driver.Value, error) { return json.Marshal(m) }

func (m *AttributeMap) Scan(value any) error { return scanJSON(value, m) }

func scanJSON(value any, dest any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
}

// CampaignModel is the persistence model for the campaigns table.
type CampaignModel struct {
	ID                        string     `gorm:"type:varchar(64);primaryKey"`
	Name                      string     `gorm:"type:varchar(255);not null"`
	AutoEnrollClassifications StringList `gorm:"type:jsonb;not null"`
	Steps                     StepList   `gorm:"type:jsonb;not null"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (CampaignModel) TableName() string { return "campaigns" }

// EnrollmentModel is the persistence model for campaign_enrollments.
type EnrollmentModel struct {
	ID              string                  `gorm:"type:uuid;primaryKey"`
	ContactID       string                  `gorm:"type:uuid;not null"`
	CampaignID      string                  `gorm:"type:varchar(64);not null"`
	CampaignName    string                  `gorm:"type:varchar(255);not null"`
	Status          domain.EnrollmentStatus `gorm:"type:varchar(20);not null"`
	EnrolledAt      time.Time               `gorm:"type:timestamptz;not null"`
	CurrentStep     int                     `gorm:"not null;default:0"`
	TotalSteps      int                     `gorm:"not null"`
	StepSchedule    ScheduleList            `gorm:"type:jsonb;not null"`
	Source          string                  `gorm:"type:varchar(40);not null"`
	SourceDetail    string                  `gorm:"type:text"`
	CompletedReason *string                 `gorm:"type:varchar(40)"`
	Version         int                     `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EnrollmentModel) TableName() string { return "campaign_enrollments" }

// ContactSnapshotModel is the persistence model for the read-only contact
// view the engine keeps in sync from contact lifecycle events.
type ContactSnapshotModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	Classification string                `gorm:"type:varchar(40);not null"`
	Email          string                `gorm:"type:varchar(255)"`
	Deliverability domain.Deliverability `gorm:"type:varchar(20);not null"`
	Attributes     AttributeMap          `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ContactSnapshotModel) TableName() string { return "contact_snapshots" }

// SendLogModel is the persistence model for the email_sends audit table:
// one row per delivery call, success or failure.
type SendLogModel struct {
	ID               string  `gorm:"type:uuid;primaryKey"`
	EnrollmentID     string  `gorm:"type:uuid;not null"`
	ContactID        string  `gorm:"type:uuid;not null"`
	StepIndex        int     `gorm:"not null"`
	IdempotencyToken string  `gorm:"type:varchar(128);not null"`
	Subject          string  `gorm:"type:text"`
	DeliveryID       *string `gorm:"type:varchar(255)"`
	ErrorCode        *string `gorm:"type:varchar(64)"`
	Error            *string `gorm:"type:text"`
	CreatedAt        time.Time
}

func (SendLogModel) TableName() string { return "email_sends" }

func campaignModelFromDomain(c *domain.CampaignDefinition) *CampaignModel {
	if c == nil {
		return nil
	}
	return &CampaignModel{
		ID:                        c.ID,
		Name:                      c.Name,
		AutoEnrollClassifications: StringList(c.AutoEnrollClassifications),
		Steps:                     StepList(c.Steps),
		CreatedAt:                 c.CreatedAt,
		UpdatedAt:                 c.UpdatedAt,
	}
}

func campaignModelToDomain(m *CampaignModel) *domain.CampaignDefinition {
	if m == nil {
		return nil
	}
	return &domain.CampaignDefinition{
		ID:                        m.ID,
		Name:                      m.Name,
		AutoEnrollClassifications: []string(m.AutoEnrollClassifications),
		Steps:                     []domain.CampaignStep(m.Steps),
		CreatedAt:                 m.CreatedAt,
		UpdatedAt:                 m.UpdatedAt,
	}
}

func enrollmentModelFromDomain(e *domain.Enrollment) *EnrollmentModel {
	if e == nil {
		return nil
	}
	return &EnrollmentModel{
		ID:              e.ID,
		ContactID:       e.ContactID,
		CampaignID:      e.CampaignID,
		CampaignName:    e.CampaignName,
		Status:          e.Status,
		EnrolledAt:      e.EnrolledAt,
		CurrentStep:     e.CurrentStep,
		TotalSteps:      e.TotalSteps,
		StepSchedule:    ScheduleList(e.Schedule),
		Source:          e.Source,
		SourceDetail:    e.SourceDetail,
		CompletedReason: e.CompletedReason,
		Version:         e.Version,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func enrollmentModelToDomain(m *EnrollmentModel) *domain.Enrollment {
	if m == nil {
		return nil
	}
	return &domain.Enrollment{
		ID:              m.ID,
		ContactID:       m.ContactID,
		CampaignID:      m.CampaignID,
		CampaignName:    m.CampaignName,
		Status:          m.Status,
		EnrolledAt:      m.EnrolledAt,
		CurrentStep:     m.CurrentStep,
		TotalSteps:      m.TotalSteps,
		Schedule:        []domain.StepState(m.StepSchedule),
		Source:          m.Source,
		SourceDetail:    m.SourceDetail,
		CompletedReason: m.CompletedReason,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func contactModelFromDomain(c *domain.ContactSnapshot) *ContactSnapshotModel {
	if c == nil {
		return nil
	}
	return &ContactSnapshotModel{
		ID:             c.ID,
		Classification: c.Classification,
		Email:          c.Email,
		Deliverability: c.Deliverability,
		Attributes:     AttributeMap(c.Attributes),
	}
}

func contactModelToDomain(m *ContactSnapshotModel) *domain.ContactSnapshot {
	if m == nil {
		return nil
	}
	return &domain.ContactSnapshot{
		ID:             m.ID,
		Classification: m.Classification,
		Email:          m.Email,
		Deliverability: m.Deliverability,
		Attributes:     map[string]string(m.Attributes),
	}
}
