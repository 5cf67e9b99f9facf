package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/metropoint/drip-engine/internal/domain"
)

// Contact lifecycle event types, produced by the contact-management side.
const (
	EventContactCreated        = "contact.created"
	EventClassificationChanged = "contact.classification_changed"
	EventDeliverabilityChanged = "contact.deliverability_changed"
)

// ContactEvent is the broker payload for contact lifecycle notifications.
// Created events carry the full contact snapshot (email plus merge-field
// attributes); the engine has no other source for contact data.
type ContactEvent struct {
	EventType         string            `json:"eventType"`
	ContactID         string            `json:"contactId"`
	Classification    string            `json:"classification,omitempty"`
	OldClassification string            `json:"oldClassification,omitempty"`
	NewClassification string            `json:"newClassification,omitempty"`
	Deliverability    string            `json:"deliverability,omitempty"`
	Email             string            `json:"email,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	OccurredAt        time.Time         `json:"occurredAt"`
}

func (e ContactEvent) Validate() error {
	if strings.TrimSpace(e.ContactID) == "" {
		return fmt.Errorf("contactId is required")
	}

	switch e.EventType {
	case EventContactCreated:
		if strings.TrimSpace(e.Classification) == "" {
			return fmt.Errorf("classification is required for %s", e.EventType)
		}
		if e.Deliverability != "" {
			if _, err := domain.ParseDeliverabilityFromString(e.Deliverability); err != nil {
				return fmt.Errorf("invalid deliverability %q", e.Deliverability)
			}
		}
	case EventClassificationChanged:
		if strings.TrimSpace(e.NewClassification) == "" {
			return fmt.Errorf("newClassification is required for %s", e.EventType)
		}
	case EventDeliverabilityChanged:
		if _, err := domain.ParseDeliverabilityFromString(e.Deliverability); err != nil {
			return fmt.Errorf("invalid deliverability %q", e.Deliverability)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}

	return nil
}

// Enrollment event types, published for audit by controller and scheduler.
const (
	EventEnrolled            = "enrollment.enrolled"
	EventEnrollmentCompleted = "enrollment.completed"
	EventEnrollmentPaused    = "enrollment.paused"
	EventEnrollmentResumed   = "enrollment.resumed"
	EventEnrollmentStopped   = "enrollment.stopped"
	EventUnsubscribed        = "enrollment.unsubscribed"
	EventStepSent            = "enrollment.step_sent"
	EventStepExhausted       = "enrollment.step_exhausted"
)

// EnrollmentEvent is the broker payload for enrollment audit events.
type EnrollmentEvent struct {
	EventType    string    `json:"eventType"`
	EnrollmentID string    `json:"enrollmentId"`
	ContactID    string    `json:"contactId"`
	CampaignID   string    `json:"campaignId"`
	StepIndex    *int      `json:"stepIndex,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (e EnrollmentEvent) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("eventType is required")
	}
	if strings.TrimSpace(e.EnrollmentID) == "" {
		return fmt.Errorf("enrollmentId is required")
	}
	if strings.TrimSpace(e.ContactID) == "" {
		return fmt.Errorf("contactId is required")
	}
	if strings.TrimSpace(e.CampaignID) == "" {
		return fmt.Errorf("campaignId is required")
	}
	return nil
}
