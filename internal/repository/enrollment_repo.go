package repository

import (
	"context"
	"errors"
	"time"

	"github.com/metropoint/drip-engine/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status     *domain.EnrollmentStatus
	CampaignID *string
	ContactID  *string
	Page       int
	PageSize   int
}

type EnrollmentRepository interface {
	Create(ctx context.Context, e *domain.Enrollment) error
	GetByID(ctx context.Context, id string) (*domain.Enrollment, error)
	// GetActiveByContactAndCampaign returns the single ACTIVE enrollment for
	// the pair, or ErrNotFound.
	GetActiveByContactAndCampaign(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error)
	// ListOpenByContact returns the contact's ACTIVE and PAUSED enrollments.
	ListOpenByContact(ctx context.Context, contactID string) ([]domain.Enrollment, error)
	// ListActive returns ACTIVE enrollments for a scheduler tick, oldest first.
	ListActive(ctx context.Context, limit int) ([]domain.Enrollment, error)
	List(ctx context.Context, params ListParams) ([]domain.Enrollment, int64, error)
	// TransitionStatus moves the enrollment to a new status only if its
	// current status is one of allowedFrom. Returns false when the
	// conditional update matched no row.
	TransitionStatus(ctx context.Context, id string, to domain.EnrollmentStatus, reason *string, allowedFrom ...domain.EnrollmentStatus) (bool, error)
	// UpdateStepProgress writes the schedule snapshot, current step, status
	// and completion reason in one conditional update guarded by the version
	// read at tick start. Returns false when another writer won the race.
	UpdateStepProgress(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error)
	// ListWithExhaustedSteps returns ACTIVE enrollments holding a step that
	// gave up on delivery, for manual review.
	ListWithExhaustedSteps(ctx context.Context, limit int) ([]domain.Enrollment, error)
}

type GormEnrollmentRepo struct {
	db *gorm.DB
}

func NewGormEnrollmentRepo(db *gorm.DB) *GormEnrollmentRepo {
	return &GormEnrollmentRepo{db: db}
}

func (r *GormEnrollmentRepo) Create(ctx context.Context, e *domain.Enrollment) error {
	model := enrollmentModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *enrollmentModelToDomain(model)
	}
	return nil
}

func (r *GormEnrollmentRepo) GetByID(ctx context.Context, id string) (*domain.Enrollment, error) {
	var model EnrollmentModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return enrollmentModelToDomain(&model), nil
}

func (r *GormEnrollmentRepo) GetActiveByContactAndCampaign(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error) {
	var model EnrollmentModel
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND campaign_id = ? AND status = ?", contactID, campaignID, domain.StatusActive).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return enrollmentModelToDomain(&model), nil
}

func (r *GormEnrollmentRepo) ListOpenByContact(ctx context.Context, contactID string) ([]domain.Enrollment, error) {
	var models []EnrollmentModel
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND status IN ?", contactID, []domain.EnrollmentStatus{domain.StatusActive, domain.StatusPaused}).
		Order("enrolled_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return enrollmentModelsToDomain(models), nil
}

func (r *GormEnrollmentRepo) ListActive(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	var models []EnrollmentModel
	query := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusActive).
		Order("enrolled_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return enrollmentModelsToDomain(models), nil
}

func (r *GormEnrollmentRepo) List(ctx context.Context, params ListParams) ([]domain.Enrollment, int64, error) {
	query := r.db.WithContext(ctx).Model(&EnrollmentModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.CampaignID != nil {
		query = query.Where("campaign_id = ?", *params.CampaignID)
	}
	if params.ContactID != nil {
		query = query.Where("contact_id = ?", *params.ContactID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []EnrollmentModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return enrollmentModelsToDomain(models), total, nil
}

func (r *GormEnrollmentRepo) TransitionStatus(
	ctx context.Context,
	id string,
	to domain.EnrollmentStatus,
	reason *string,
	allowedFrom ...domain.EnrollmentStatus,
) (bool, error) {
	updates := map[string]any{
		"status":  to,
		"version": gorm.Expr("version + 1"),
	}
	if reason != nil {
		updates["completed_reason"] = *reason
	}

	result := r.db.WithContext(ctx).
		Model(&EnrollmentModel{}).
		Where("id = ? AND status IN ?", id, allowedFrom).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormEnrollmentRepo) UpdateStepProgress(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
	if e == nil {
		return false, domain.ErrValidation
	}

	updates := map[string]any{
		"step_schedule": ScheduleList(e.Schedule),
		"current_step":  e.CurrentStep,
		"status":        e.Status,
		"version":       expectedVersion + 1,
		"updated_at":    time.Now().UTC(),
	}
	if e.CompletedReason != nil {
		updates["completed_reason"] = *e.CompletedReason
	}

	result := r.db.WithContext(ctx).
		Model(&EnrollmentModel{}).
		Where("id = ? AND version = ?", e.ID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	e.Version = expectedVersion + 1
	return true, nil
}

func (r *GormEnrollmentRepo) ListWithExhaustedSteps(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	var models []EnrollmentModel
	query := r.db.WithContext(ctx).
		Where("status = ? AND step_schedule @> ?", domain.StatusActive, `[{"exhausted": true}]`).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return enrollmentModelsToDomain(models), nil
}

func enrollmentModelsToDomain(models []EnrollmentModel) []domain.Enrollment {
	enrollments := make([]domain.Enrollment, 0, len(models))
	for i := range models {
		enrollments = append(enrollments, *enrollmentModelToDomain(&models[i]))
	}
	return enrollments
}
