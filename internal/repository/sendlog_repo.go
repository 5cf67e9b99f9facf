package repository

import (
	"context"
	"time"

	"github.com/metropoint/drip-engine/internal/domain"
	"gorm.io/gorm"
)

// SendLog records one delivery call outcome for audit.
type SendLog struct {
	ID               string
	EnrollmentID     string
	ContactID        string
	StepIndex        int
	IdempotencyToken string
	Subject          string
	DeliveryID       *string
	ErrorCode        *string
	Error            *string
	CreatedAt        time.Time
}

type SendLogRepository interface {
	Create(ctx context.Context, entry *SendLog) error
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]SendLog, error)
}

type GormSendLogRepo struct {
	db *gorm.DB
}

func NewGormSendLogRepo(db *gorm.DB) *GormSendLogRepo {
	return &GormSendLogRepo{db: db}
}

func (r *GormSendLogRepo) Create(ctx context.Context, entry *SendLog) error {
	if entry == nil {
		return domain.ErrValidation
	}
	model := &SendLogModel{
		ID:               entry.ID,
		EnrollmentID:     entry.EnrollmentID,
		ContactID:        entry.ContactID,
		StepIndex:        entry.StepIndex,
		IdempotencyToken: entry.IdempotencyToken,
		Subject:          entry.Subject,
		DeliveryID:       entry.DeliveryID,
		ErrorCode:        entry.ErrorCode,
		Error:            entry.Error,
		CreatedAt:        entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	entry.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormSendLogRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]SendLog, error) {
	var models []SendLogModel
	err := r.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]SendLog, 0, len(models))
	for i := range models {
		m := &models[i]
		entries = append(entries, SendLog{
			ID:               m.ID,
			EnrollmentID:     m.EnrollmentID,
			ContactID:        m.ContactID,
			StepIndex:        m.StepIndex,
			IdempotencyToken: m.IdempotencyToken,
			Subject:          m.Subject,
			DeliveryID:       m.DeliveryID,
			ErrorCode:        m.ErrorCode,
			Error:            m.Error,
			CreatedAt:        m.CreatedAt,
		})
	}
	return entries, nil
}
