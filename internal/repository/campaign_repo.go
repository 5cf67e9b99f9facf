package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/metropoint/drip-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CampaignRepository interface {
	// Upsert inserts or replaces a campaign definition by id.
	Upsert(ctx context.Context, c *domain.CampaignDefinition) error
	GetByID(ctx context.Context, id string) (*domain.CampaignDefinition, error)
	// GetByClassification returns the campaign whose auto-enroll set contains
	// the classification, or ErrNotFound.
	GetByClassification(ctx context.Context, classification string) (*domain.CampaignDefinition, error)
	List(ctx context.Context) ([]domain.CampaignDefinition, error)
}

type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

func (r *GormCampaignRepo) Upsert(ctx context.Context, c *domain.CampaignDefinition) error {
	model := campaignModelFromDomain(c)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "auto_enroll_classifications", "steps", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}
	if c != nil {
		*c = *campaignModelToDomain(model)
	}
	return nil
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.CampaignDefinition, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

func (r *GormCampaignRepo) GetByClassification(ctx context.Context, classification string) (*domain.CampaignDefinition, error) {
	normalized := strings.ToLower(strings.TrimSpace(classification))
	needle, err := json.Marshal([]string{normalized})
	if err != nil {
		return nil, err
	}

	var model CampaignModel
	err = r.db.WithContext(ctx).
		Where("auto_enroll_classifications @> ?", string(needle)).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

func (r *GormCampaignRepo) List(ctx context.Context) ([]domain.CampaignDefinition, error) {
	var models []CampaignModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	campaigns := make([]domain.CampaignDefinition, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, *campaignModelToDomain(&models[i]))
	}
	return campaigns, nil
}
