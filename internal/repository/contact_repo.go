package repository

import (
	"context"
	"errors"

	"github.com/metropoint/drip-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactRepository is the engine's view of contact data. The snapshot table
// is kept current by the lifecycle event consumer; the engine never edits
// contacts itself.
type ContactRepository interface {
	GetByID(ctx context.Context, id string) (*domain.ContactSnapshot, error)
	Upsert(ctx context.Context, c *domain.ContactSnapshot) error
	SetClassification(ctx context.Context, id, classification string) error
	SetDeliverability(ctx context.Context, id string, d domain.Deliverability) error
}

type GormContactRepo struct {
	db *gorm.DB
}

func NewGormContactRepo(db *gorm.DB) *GormContactRepo {
	return &GormContactRepo{db: db}
}

func (r *GormContactRepo) GetByID(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
	var model ContactSnapshotModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return contactModelToDomain(&model), nil
}

func (r *GormContactRepo) Upsert(ctx context.Context, c *domain.ContactSnapshot) error {
	model := contactModelFromDomain(c)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"classification", "email", "deliverability", "attributes", "updated_at"}),
		}).
		Create(model).Error
}

func (r *GormContactRepo) SetClassification(ctx context.Context, id, classification string) error {
	result := r.db.WithContext(ctx).
		Model(&ContactSnapshotModel{}).
		Where("id = ?", id).
		Update("classification", classification)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormContactRepo) SetDeliverability(ctx context.Context, id string, d domain.Deliverability) error {
	result := r.db.WithContext(ctx).
		Model(&ContactSnapshotModel{}).
		Where("id = ?", id).
		Update("deliverability", d)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
