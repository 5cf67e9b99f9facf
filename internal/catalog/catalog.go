// Package catalog serves campaign definitions. Definitions are read-mostly:
// edits never rewrite schedules already computed, because enrollments snapshot
// their schedule at enrollment time.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/repository"
)

type Catalog struct {
	campaigns repository.CampaignRepository
}

func NewCatalog(campaigns repository.CampaignRepository) (*Catalog, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	return &Catalog{campaigns: campaigns}, nil
}

// GetCampaign returns the definition by id, or domain.ErrNotFound.
func (c *Catalog) GetCampaign(ctx context.Context, campaignID string) (*domain.CampaignDefinition, error) {
	if strings.TrimSpace(campaignID) == "" {
		return nil, fmt.Errorf("%w: campaign id is required", domain.ErrValidation)
	}
	return c.campaigns.GetByID(ctx, strings.TrimSpace(campaignID))
}

// GetCampaignForClassification returns the campaign the classification
// auto-enrolls into, or nil when no campaign is mapped.
func (c *Catalog) GetCampaignForClassification(ctx context.Context, classification string) (*domain.CampaignDefinition, error) {
	if strings.TrimSpace(classification) == "" {
		return nil, nil
	}

	campaign, err := c.campaigns.GetByClassification(ctx, classification)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return campaign, nil
}

// ListCampaigns returns every definition in the catalog.
func (c *Catalog) ListCampaigns(ctx context.Context) ([]domain.CampaignDefinition, error) {
	return c.campaigns.List(ctx)
}

// Register validates and stores a definition.
func (c *Catalog) Register(ctx context.Context, campaign *domain.CampaignDefinition) error {
	if err := campaign.Validate(); err != nil {
		return err
	}
	for i := range campaign.AutoEnrollClassifications {
		campaign.AutoEnrollClassifications[i] = strings.ToLower(strings.TrimSpace(campaign.AutoEnrollClassifications[i]))
	}
	return c.campaigns.Upsert(ctx, campaign)
}

// ParseDefinition decodes a campaign definition JSON document and validates it.
func ParseDefinition(data []byte) (*domain.CampaignDefinition, error) {
	var campaign domain.CampaignDefinition
	if err := json.Unmarshal(data, &campaign); err != nil {
		return nil, fmt.Errorf("%w: malformed campaign definition: %v", domain.ErrValidation, err)
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// LoadDefinitionsFromDir parses every *.json file in a directory.
func LoadDefinitionsFromDir(dir string) ([]*domain.CampaignDefinition, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	definitions := make([]*domain.CampaignDefinition, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		campaign, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		definitions = append(definitions, campaign)
	}
	return definitions, nil
}
