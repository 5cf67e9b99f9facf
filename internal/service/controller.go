package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/repository"
	"go.uber.org/zap"
)

// EnrollmentController owns every enrollment state transition outside the
// send path: auto-enroll on contact creation, complete-then-create campaign
// switching, unsubscribes, and the manual stop/pause/resume operations.
// Switching never edits an enrollment in place, so the audit history of who
// received what is never rewritten.
type EnrollmentController struct {
	enrollments repository.EnrollmentRepository
	contacts    repository.ContactRepository
	catalog     *catalog.Catalog
	events      queue.Publisher
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewEnrollmentController(
	enrollments repository.EnrollmentRepository,
	contacts repository.ContactRepository,
	campaignCatalog *catalog.Catalog,
	events queue.Publisher,
	logger *zap.Logger,
) (*EnrollmentController, error) {
	if enrollments == nil {
		return nil, fmt.Errorf("enrollment repository is required")
	}
	if contacts == nil {
		return nil, fmt.Errorf("contact repository is required")
	}
	if campaignCatalog == nil {
		return nil, fmt.Errorf("campaign catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EnrollmentController{
		enrollments: enrollments,
		contacts:    contacts,
		catalog:     campaignCatalog,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (c *EnrollmentController) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// HandleContactEvent dispatches a consumed contact lifecycle event. Handlers
// run synchronously: a returned error nacks the event for redelivery.
func (c *EnrollmentController) HandleContactEvent(ctx context.Context, event queue.ContactEvent) error {
	switch event.EventType {
	case queue.EventContactCreated:
		return c.OnContactCreated(ctx, event)
	case queue.EventClassificationChanged:
		return c.OnClassificationChanged(ctx, event.ContactID, event.OldClassification, event.NewClassification)
	case queue.EventDeliverabilityChanged:
		deliverability, err := domain.ParseDeliverabilityFromString(event.Deliverability)
		if err != nil {
			return err
		}
		return c.OnDeliverabilityChanged(ctx, event.ContactID, deliverability)
	default:
		return fmt.Errorf("%w: unknown contact event type %q", domain.ErrValidation, event.EventType)
	}
}

// OnContactCreated records the contact snapshot carried by the event and then
// auto-enrolls the contact into the campaign mapped to its classification, if
// any. The event is the engine's only source of contact data, so the snapshot
// write comes first: a failed upsert nacks the event for redelivery.
func (c *EnrollmentController) OnContactCreated(ctx context.Context, event queue.ContactEvent) error {
	contact := &domain.ContactSnapshot{
		ID:             event.ContactID,
		Classification: event.Classification,
		Email:          event.Email,
		Deliverability: domain.DeliverabilityDeliverable,
		Attributes:     event.Attributes,
	}
	if event.Deliverability != "" {
		deliverability, err := domain.ParseDeliverabilityFromString(event.Deliverability)
		if err != nil {
			return err
		}
		contact.Deliverability = deliverability
	}

	if err := c.contacts.Upsert(ctx, contact); err != nil {
		return fmt.Errorf("failed to record contact snapshot %s: %w", event.ContactID, err)
	}

	campaign, err := c.catalog.GetCampaignForClassification(ctx, event.Classification)
	if err != nil {
		return err
	}
	if campaign == nil {
		return nil
	}

	detail := fmt.Sprintf("contact created with classification %q", event.Classification)
	return c.enroll(ctx, contact, campaign, domain.SourceAutoEnrollOnCreate, detail)
}

// OnClassificationChanged completes the enrollment mapped to the old
// classification (reason: superseded) and then creates one for the new
// classification's campaign, if different. Prior steps are never re-queued.
func (c *EnrollmentController) OnClassificationChanged(ctx context.Context, contactID, oldClassification, newClassification string) error {
	oldCampaign, err := c.catalog.GetCampaignForClassification(ctx, oldClassification)
	if err != nil {
		return err
	}
	newCampaign, err := c.catalog.GetCampaignForClassification(ctx, newClassification)
	if err != nil {
		return err
	}

	if err := c.contacts.SetClassification(ctx, contactID, newClassification); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	sameCampaign := oldCampaign != nil && newCampaign != nil && oldCampaign.ID == newCampaign.ID
	if sameCampaign {
		return nil
	}

	if oldCampaign != nil {
		if err := c.completeSuperseded(ctx, contactID, oldCampaign.ID); err != nil {
			return err
		}
	}

	if newCampaign == nil {
		return nil
	}

	contact, err := c.contacts.GetByID(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}

	detail := fmt.Sprintf("classification changed %q -> %q", oldClassification, newClassification)
	return c.enroll(ctx, contact, newCampaign, domain.SourceAutoSwitch, detail)
}

// OnDeliverabilityChanged records the new deliverability and, when the
// contact can no longer receive email, unsubscribes every open enrollment.
// The snapshot is written first so a racing enrollment creation sees it.
func (c *EnrollmentController) OnDeliverabilityChanged(ctx context.Context, contactID string, deliverability domain.Deliverability) error {
	if err := c.contacts.SetDeliverability(ctx, contactID, deliverability); err != nil {
		return err
	}

	if deliverability == domain.DeliverabilityDeliverable {
		return nil
	}

	open, err := c.enrollments.ListOpenByContact(ctx, contactID)
	if err != nil {
		return err
	}

	reason := strings.ToLower(deliverability.String())
	for i := range open {
		enrollment := open[i]
		updated, err := c.enrollments.TransitionStatus(ctx, enrollment.ID, domain.StatusUnsubscribed, &reason,
			domain.StatusActive, domain.StatusPaused)
		if err != nil {
			return err
		}
		if !updated {
			continue
		}

		c.logger.Info("enrollment unsubscribed",
			zap.String("enrollmentId", enrollment.ID),
			zap.String("contactId", contactID),
			zap.String("reason", reason),
		)
		c.metrics.IncEnrollmentTransition(domain.StatusUnsubscribed.String())
		c.publishEvent(ctx, queue.EnrollmentEvent{
			EventType:    queue.EventUnsubscribed,
			EnrollmentID: enrollment.ID,
			ContactID:    contactID,
			CampaignID:   enrollment.CampaignID,
			Reason:       reason,
			OccurredAt:   c.now().UTC(),
		})
	}

	return nil
}

// Enroll creates a manual enrollment into an explicit campaign.
func (c *EnrollmentController) Enroll(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error) {
	contact, err := c.contacts.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}

	campaign, err := c.catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if _, err := c.enrollments.GetActiveByContactAndCampaign(ctx, contactID, campaign.ID); err == nil {
		return nil, fmt.Errorf("%w: contact %s already has an active enrollment in %s", domain.ErrConflict, contactID, campaign.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	enrollment, err := c.createEnrollment(ctx, contact, campaign, domain.SourceManual, "manual enrollment")
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// Stop permanently halts an enrollment. A send already in flight is allowed
// to finish and be recorded; only following steps are prevented.
func (c *EnrollmentController) Stop(ctx context.Context, enrollmentID, reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		trimmed = "manual_stop"
	}
	return c.manualTransition(ctx, enrollmentID, domain.StatusStopped, &trimmed, queue.EventEnrollmentStopped,
		domain.StatusActive, domain.StatusPaused)
}

// Pause suspends sends while retaining the schedule. Overdue steps become
// immediately due on resume.
func (c *EnrollmentController) Pause(ctx context.Context, enrollmentID string) error {
	return c.manualTransition(ctx, enrollmentID, domain.StatusPaused, nil, queue.EventEnrollmentPaused,
		domain.StatusActive)
}

// Resume reactivates a paused enrollment with its schedule unchanged.
func (c *EnrollmentController) Resume(ctx context.Context, enrollmentID string) error {
	return c.manualTransition(ctx, enrollmentID, domain.StatusActive, nil, queue.EventEnrollmentResumed,
		domain.StatusPaused)
}

func (c *EnrollmentController) manualTransition(
	ctx context.Context,
	enrollmentID string,
	to domain.EnrollmentStatus,
	reason *string,
	eventType string,
	allowedFrom ...domain.EnrollmentStatus,
) error {
	enrollment, err := c.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return err
	}

	if !enrollment.CanTransition(to) {
		return fmt.Errorf("%w: enrollment %s cannot move %s -> %s", domain.ErrInvalidTransition, enrollmentID, enrollment.Status, to)
	}

	updated, err := c.enrollments.TransitionStatus(ctx, enrollmentID, to, reason, allowedFrom...)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: enrollment %s changed state concurrently", domain.ErrInvalidTransition, enrollmentID)
	}

	c.logger.Info("enrollment transitioned",
		zap.String("enrollmentId", enrollmentID),
		zap.String("status", to.String()),
	)
	c.metrics.IncEnrollmentTransition(to.String())
	c.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    eventType,
		EnrollmentID: enrollmentID,
		ContactID:    enrollment.ContactID,
		CampaignID:   enrollment.CampaignID,
		Reason:       stringValue(reason),
		OccurredAt:   c.now().UTC(),
	})
	return nil
}

func (c *EnrollmentController) completeSuperseded(ctx context.Context, contactID, campaignID string) error {
	enrollment, err := c.enrollments.GetActiveByContactAndCampaign(ctx, contactID, campaignID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	reason := domain.ReasonSuperseded
	updated, err := c.enrollments.TransitionStatus(ctx, enrollment.ID, domain.StatusCompleted, &reason, domain.StatusActive)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	c.logger.Info("enrollment superseded",
		zap.String("enrollmentId", enrollment.ID),
		zap.String("contactId", contactID),
		zap.String("campaignId", campaignID),
	)
	c.metrics.IncEnrollmentTransition(domain.StatusCompleted.String())
	c.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventEnrollmentCompleted,
		EnrollmentID: enrollment.ID,
		ContactID:    contactID,
		CampaignID:   campaignID,
		Reason:       reason,
		OccurredAt:   c.now().UTC(),
	})
	return nil
}

// enroll creates an auto enrollment unless one already exists for the pair.
// Historical terminal enrollments never block: re-entering a classification
// legitimately re-enrolls.
func (c *EnrollmentController) enroll(ctx context.Context, contact *domain.ContactSnapshot, campaign *domain.CampaignDefinition, source, detail string) error {
	if !contact.CanReceiveEmail() {
		c.logger.Info("skipping enrollment: contact not deliverable",
			zap.String("contactId", contact.ID),
			zap.String("campaignId", campaign.ID),
			zap.String("deliverability", contact.Deliverability.String()),
		)
		return nil
	}

	if _, err := c.enrollments.GetActiveByContactAndCampaign(ctx, contact.ID, campaign.ID); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	_, err := c.createEnrollment(ctx, contact, campaign, source, detail)
	if errors.Is(err, domain.ErrConflict) {
		// Lost a creation race; the invariant holds either way.
		c.logger.Info("enrollment already exists",
			zap.String("contactId", contact.ID),
			zap.String("campaignId", campaign.ID),
		)
		return nil
	}
	return err
}

func (c *EnrollmentController) createEnrollment(ctx context.Context, contact *domain.ContactSnapshot, campaign *domain.CampaignDefinition, source, detail string) (*domain.Enrollment, error) {
	enrollment, err := domain.NewEnrollment(contact, campaign, source, detail, c.now())
	if err != nil {
		return nil, err
	}
	enrollment.ID = uuid.NewString()

	if err := c.enrollments.Create(ctx, enrollment); err != nil {
		if isUniqueViolationError(err) {
			return nil, fmt.Errorf("%w: duplicate active enrollment for contact %s in campaign %s", domain.ErrConflict, contact.ID, campaign.ID)
		}
		return nil, err
	}

	c.logger.Info("enrollment created",
		zap.String("enrollmentId", enrollment.ID),
		zap.String("contactId", contact.ID),
		zap.String("campaignId", campaign.ID),
		zap.String("source", source),
		zap.Int("totalSteps", enrollment.TotalSteps),
	)
	c.metrics.IncEnrollmentTransition(domain.StatusActive.String())
	c.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventEnrolled,
		EnrollmentID: enrollment.ID,
		ContactID:    contact.ID,
		CampaignID:   campaign.ID,
		Reason:       source,
		OccurredAt:   c.now().UTC(),
	})

	return enrollment, nil
}

func (c *EnrollmentController) publishEvent(ctx context.Context, event queue.EnrollmentEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, queue.EnrollmentEventsQueue, event); err != nil {
		c.logger.Warn("failed to publish enrollment event",
			zap.String("eventType", event.EventType),
			zap.String("enrollmentId", event.EnrollmentID),
			zap.Error(err),
		)
	}
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
