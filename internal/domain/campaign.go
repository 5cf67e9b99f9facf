package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStep is one scheduled message in a campaign sequence. DayOffset is
// the number of calendar days after enrollment start the step becomes due.
type CampaignStep struct {
	StepIndex       int    `json:"step_index"`
	DayOffset       int    `json:"day_offset"`
	PurposeTag      string `json:"purpose_tag"`
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template"`
}

// CampaignDefinition is an immutable-per-version drip campaign: an ordered
// step sequence plus the contact classifications that auto-enroll into it.
type CampaignDefinition struct {
	ID                        string         `json:"campaign_id"`
	Name                      string         `json:"name"`
	AutoEnrollClassifications []string       `json:"auto_enroll_classifications"`
	Steps                     []CampaignStep `json:"steps"`
	CreatedAt                 time.Time      `json:"-"`
	UpdatedAt                 time.Time      `json:"-"`
}

func (c *CampaignDefinition) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: campaign is required", ErrValidation)
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: campaign %q has no steps", ErrValidation, c.ID)
	}
	if c.Steps[0].DayOffset != 0 {
		return fmt.Errorf("%w: campaign %q step 0 must have day_offset 0 (got %d)", ErrValidation, c.ID, c.Steps[0].DayOffset)
	}

	for i, step := range c.Steps {
		if step.StepIndex != i {
			return fmt.Errorf("%w: campaign %q step at position %d has step_index %d", ErrValidation, c.ID, i, step.StepIndex)
		}
		if step.DayOffset < 0 {
			return fmt.Errorf("%w: campaign %q step %d has negative day_offset", ErrValidation, c.ID, i)
		}
		if i > 0 && step.DayOffset < c.Steps[i-1].DayOffset {
			return fmt.Errorf("%w: campaign %q step %d day_offset decreases (%d < %d)",
				ErrValidation, c.ID, i, step.DayOffset, c.Steps[i-1].DayOffset)
		}
		if strings.TrimSpace(step.SubjectTemplate) == "" {
			return fmt.Errorf("%w: campaign %q step %d has empty subject_template", ErrValidation, c.ID, i)
		}
		if strings.TrimSpace(step.BodyTemplate) == "" {
			return fmt.Errorf("%w: campaign %q step %d has empty body_template", ErrValidation, c.ID, i)
		}
	}

	seen := make(map[string]struct{}, len(c.AutoEnrollClassifications))
	for _, classification := range c.AutoEnrollClassifications {
		normalized := strings.ToLower(strings.TrimSpace(classification))
		if normalized == "" {
			return fmt.Errorf("%w: campaign %q has an empty auto-enroll classification", ErrValidation, c.ID)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("%w: campaign %q lists classification %q twice", ErrValidation, c.ID, normalized)
		}
		seen[normalized] = struct{}{}
	}

	return nil
}

// MapsClassification reports whether the given contact classification
// auto-enrolls into this campaign.
func (c *CampaignDefinition) MapsClassification(classification string) bool {
	if c == nil {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(classification))
	for _, candidate := range c.AutoEnrollClassifications {
		if strings.ToLower(strings.TrimSpace(candidate)) == normalized {
			return true
		}
	}
	return false
}

// StepAt returns the step with the given index, or nil if out of range.
func (c *CampaignDefinition) StepAt(index int) *CampaignStep {
	if c == nil || index < 0 || index >= len(c.Steps) {
		return nil
	}
	return &c.Steps[index]
}
