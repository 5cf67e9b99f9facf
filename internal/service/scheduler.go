package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/delivery"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/observability"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/ratelimit"
	"github.com/metropoint/drip-engine/internal/render"
	"github.com/metropoint/drip-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultTickInterval = 15 * time.Minute
	defaultScanLimit    = 500
	defaultMaxAttempts  = 3
	defaultSendTimeout  = 10 * time.Second

	sendRateKey = "email"
)

// TickLock serializes ticks across scheduler replicas. Acquire returns
// whether the lock was taken and, if so, a release func.
type TickLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, func(context.Context) error, error)
}

// DueStepScheduler walks ACTIVE enrollments on a fixed interval and sends at
// most one due step per enrollment per tick. Enrollments are processed in
// isolation: one contact's failure never blocks the rest of the batch.
type DueStepScheduler struct {
	enrollments repository.EnrollmentRepository
	contacts    repository.ContactRepository
	catalog     *catalog.Catalog
	sendLog     repository.SendLogRepository
	delivery    delivery.Service
	events      queue.Publisher
	limiter     ratelimit.RateLimiter
	lock        TickLock
	logger      *zap.Logger
	metrics     *observability.Metrics

	interval    time.Duration
	scanLimit   int
	maxAttempts int
	sendTimeout time.Duration
	now         func() time.Time
}

type SchedulerOptions struct {
	TickInterval time.Duration
	ScanLimit    int
	MaxAttempts  int
	SendTimeout  time.Duration
	Limiter      ratelimit.RateLimiter
	Lock         TickLock
	Metrics      *observability.Metrics
}

func NewDueStepScheduler(
	enrollments repository.EnrollmentRepository,
	contacts repository.ContactRepository,
	campaignCatalog *catalog.Catalog,
	sendLog repository.SendLogRepository,
	deliveryService delivery.Service,
	events queue.Publisher,
	logger *zap.Logger,
	opts SchedulerOptions,
) (*DueStepScheduler, error) {
	if enrollments == nil {
		return nil, fmt.Errorf("enrollment repository is required")
	}
	if contacts == nil {
		return nil, fmt.Errorf("contact repository is required")
	}
	if campaignCatalog == nil {
		return nil, fmt.Errorf("campaign catalog is required")
	}
	if deliveryService == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := opts.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	scanLimit := opts.ScanLimit
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	return &DueStepScheduler{
		enrollments: enrollments,
		contacts:    contacts,
		catalog:     campaignCatalog,
		sendLog:     sendLog,
		delivery:    deliveryService,
		events:      events,
		limiter:     opts.Limiter,
		lock:        opts.Lock,
		logger:      logger,
		metrics:     opts.Metrics,
		interval:    interval,
		scanLimit:   scanLimit,
		maxAttempts: maxAttempts,
		sendTimeout: sendTimeout,
		now:         time.Now,
	}, nil
}

// Start runs an immediate tick and then one per interval until the context
// is canceled. A tick that overruns the interval never overlaps the next:
// ticks run sequentially on this goroutine.
func (s *DueStepScheduler) Start(ctx context.Context) error {
	s.logger.Info("due step scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("scanLimit", s.scanLimit),
		zap.Int("maxAttempts", s.maxAttempts),
	)

	if err := s.runLocked(ctx); err != nil {
		s.logger.Error("tick failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("due step scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runLocked(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

func (s *DueStepScheduler) runLocked(ctx context.Context) error {
	// One correlation id per tick ties a tick's log lines together.
	ctx = observability.WithCorrelationID(ctx, uuid.NewString())

	if s.lock == nil {
		_, err := s.RunTick(ctx)
		return err
	}

	acquired, release, err := s.lock.Acquire(ctx, s.interval)
	if err != nil {
		return fmt.Errorf("failed to acquire tick lock: %w", err)
	}
	if !acquired {
		s.logger.Info("tick skipped: another scheduler holds the lock")
		return nil
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.Warn("failed to release tick lock", zap.Error(releaseErr))
		}
	}()

	_, err = s.RunTick(ctx)
	return err
}

// RunTick scans ACTIVE enrollments once and returns how many emails were
// sent. Per-enrollment failures are logged and skipped.
func (s *DueStepScheduler) RunTick(ctx context.Context) (int, error) {
	start := s.now()
	logger := observability.WithContextLogger(s.logger, ctx)

	enrollments, err := s.enrollments.ListActive(ctx, s.scanLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list active enrollments: %w", err)
	}

	sent := 0
	for i := range enrollments {
		if ctx.Err() != nil {
			break
		}

		enrollment := enrollments[i]
		dispatched, err := s.processEnrollment(ctx, &enrollment)
		if err != nil {
			logger.Error("enrollment processing failed",
				zap.String("enrollmentId", enrollment.ID),
				zap.String("contactId", enrollment.ContactID),
				zap.Error(err),
			)
			continue
		}
		if dispatched {
			sent++
		}
	}

	s.metrics.ObserveTick(len(enrollments), time.Since(start))
	logger.Info("tick finished",
		zap.Int("scanned", len(enrollments)),
		zap.Int("sent", sent),
		zap.Duration("duration", time.Since(start)),
	)
	return sent, nil
}

// processEnrollment dispatches the enrollment's current step if it is due.
// All schedule writes are guarded by the version read here, so a concurrent
// writer makes the update a no-op instead of corrupting step state.
func (s *DueStepScheduler) processEnrollment(ctx context.Context, enrollment *domain.Enrollment) (bool, error) {
	expectedVersion := enrollment.Version

	step := enrollment.CurrentStepState()
	if step == nil {
		return false, s.completeEnrollment(ctx, enrollment)
	}
	if !step.Due(s.now(), s.maxAttempts) {
		return false, nil
	}

	contact, err := s.contacts.GetByID(ctx, enrollment.ContactID)
	if err != nil {
		return false, fmt.Errorf("failed to load contact %s: %w", enrollment.ContactID, err)
	}

	// Deliverability wins over a due step, even within the same tick.
	if !contact.CanReceiveEmail() {
		return false, s.unsubscribeEnrollment(ctx, enrollment, contact)
	}

	// Templates come from the catalog at send time, so copy edits apply to
	// steps not yet sent.
	campaign, err := s.catalog.GetCampaign(ctx, enrollment.CampaignID)
	if err != nil {
		return false, fmt.Errorf("failed to load campaign %s: %w", enrollment.CampaignID, err)
	}
	template := campaign.StepAt(step.StepIndex)
	if template == nil {
		return false, s.recordFailure(ctx, enrollment, step, expectedVersion, "missing_template",
			fmt.Errorf("campaign %s has no step %d", campaign.ID, step.StepIndex), false)
	}

	subject := render.Render(template.SubjectTemplate, contact.Attributes)
	body := render.Render(template.BodyTemplate, contact.Attributes)
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return false, s.recordFailure(ctx, enrollment, step, expectedVersion, "empty_message",
			fmt.Errorf("step %d rendered an empty subject or body", step.StepIndex), false)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, sendRateKey); err != nil {
			return false, fmt.Errorf("send rate limiter: %w", err)
		}
	}

	token := domain.StepIdempotencyToken(enrollment.ID, step.StepIndex)
	request := delivery.Request{
		IdempotencyToken: token,
		RecipientAddress: contact.Email,
		RecipientName:    contact.DisplayName(),
		Subject:          subject,
		Body:             body,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	sendStart := s.now()
	result, sendErr := s.delivery.Send(sendCtx, request)
	s.metrics.ObserveSendDuration(enrollment.CampaignID, time.Since(sendStart))

	if sendErr != nil {
		return false, s.recordFailure(ctx, enrollment, step, expectedVersion, delivery.ErrorCode(sendErr), sendErr, delivery.IsRetryable(sendErr))
	}

	return true, s.recordSuccess(ctx, enrollment, step, expectedVersion, subject, result)
}

func (s *DueStepScheduler) recordSuccess(
	ctx context.Context,
	enrollment *domain.Enrollment,
	step *domain.StepState,
	expectedVersion int,
	subject string,
	result *delivery.Result,
) error {
	sentAt := s.now().UTC()
	step.SentAt = &sentAt
	step.LastError = nil
	if result != nil && result.DeliveryID != "" {
		deliveryID := result.DeliveryID
		step.DeliveryID = &deliveryID
	}

	enrollment.CurrentStep++
	completed := enrollment.CurrentStep >= enrollment.TotalSteps
	if completed {
		reason := domain.ReasonAllStepsSent
		enrollment.Status = domain.StatusCompleted
		enrollment.CompletedReason = &reason
	}

	updated, err := s.enrollments.UpdateStepProgress(ctx, enrollment, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to record step %d send: %w", step.StepIndex, err)
	}
	if !updated {
		// The send already happened; the idempotency token makes the retry
		// on the next tick a no-op at the provider.
		s.logger.Warn("step progress lost a concurrent update",
			zap.String("enrollmentId", enrollment.ID),
			zap.Int("stepIndex", step.StepIndex),
		)
	}

	s.writeSendLog(ctx, enrollment, step, subject, step.DeliveryID, nil, nil)

	if !updated {
		return nil
	}

	s.logger.Info("step sent",
		zap.String("enrollmentId", enrollment.ID),
		zap.String("contactId", enrollment.ContactID),
		zap.String("campaignId", enrollment.CampaignID),
		zap.Int("stepIndex", step.StepIndex),
		zap.String("purposeTag", step.PurposeTag),
	)
	s.metrics.IncEmailSent(enrollment.CampaignID)
	stepIndex := step.StepIndex
	s.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventStepSent,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		CampaignID:   enrollment.CampaignID,
		StepIndex:    &stepIndex,
		OccurredAt:   sentAt,
	})

	if enrollment.Status == domain.StatusCompleted {
		s.metrics.IncEnrollmentTransition(domain.StatusCompleted.String())
		s.publishEvent(ctx, queue.EnrollmentEvent{
			EventType:    queue.EventEnrollmentCompleted,
			EnrollmentID: enrollment.ID,
			ContactID:    enrollment.ContactID,
			CampaignID:   enrollment.CampaignID,
			Reason:       domain.ReasonAllStepsSent,
			OccurredAt:   sentAt,
		})
		s.logger.Info("enrollment completed",
			zap.String("enrollmentId", enrollment.ID),
			zap.String("campaignId", enrollment.CampaignID),
		)
	}

	return nil
}

func (s *DueStepScheduler) recordFailure(
	ctx context.Context,
	enrollment *domain.Enrollment,
	step *domain.StepState,
	expectedVersion int,
	errorCode string,
	sendErr error,
	retryable bool,
) error {
	step.AttemptCount++
	msg := sendErr.Error()
	step.LastError = &msg
	if !retryable || step.AttemptCount >= s.maxAttempts {
		step.Exhausted = true
	}

	updated, err := s.enrollments.UpdateStepProgress(ctx, enrollment, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to record step %d failure: %w", step.StepIndex, err)
	}

	s.writeSendLog(ctx, enrollment, step, "", nil, &errorCode, &msg)

	s.logger.Warn("step send failed",
		zap.String("enrollmentId", enrollment.ID),
		zap.String("contactId", enrollment.ContactID),
		zap.Int("stepIndex", step.StepIndex),
		zap.Int("attemptCount", step.AttemptCount),
		zap.Bool("retryable", retryable),
		zap.Bool("exhausted", step.Exhausted),
		zap.Error(sendErr),
	)
	s.metrics.IncEmailFailed(enrollment.CampaignID, errorCode)

	if !updated || !step.Exhausted {
		return nil
	}

	// The enrollment stays ACTIVE with the step parked for manual review;
	// later steps wait behind it.
	s.metrics.IncStepExhausted(enrollment.CampaignID)
	stepIndex := step.StepIndex
	s.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventStepExhausted,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		CampaignID:   enrollment.CampaignID,
		StepIndex:    &stepIndex,
		Reason:       errorCode,
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// completeEnrollment closes out an enrollment whose step pointer already ran
// past the schedule. Normally completion happens on the final send.
func (s *DueStepScheduler) completeEnrollment(ctx context.Context, enrollment *domain.Enrollment) error {
	reason := domain.ReasonAllStepsSent
	updated, err := s.enrollments.TransitionStatus(ctx, enrollment.ID, domain.StatusCompleted, &reason, domain.StatusActive)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	s.metrics.IncEnrollmentTransition(domain.StatusCompleted.String())
	s.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventEnrollmentCompleted,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		CampaignID:   enrollment.CampaignID,
		Reason:       reason,
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

func (s *DueStepScheduler) unsubscribeEnrollment(ctx context.Context, enrollment *domain.Enrollment, contact *domain.ContactSnapshot) error {
	reason := strings.ToLower(contact.Deliverability.String())
	if contact.Email == "" {
		reason = "missing_email"
	}

	updated, err := s.enrollments.TransitionStatus(ctx, enrollment.ID, domain.StatusUnsubscribed, &reason, domain.StatusActive)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	s.logger.Info("enrollment unsubscribed before send",
		zap.String("enrollmentId", enrollment.ID),
		zap.String("contactId", enrollment.ContactID),
		zap.String("reason", reason),
	)
	s.metrics.IncEnrollmentTransition(domain.StatusUnsubscribed.String())
	s.publishEvent(ctx, queue.EnrollmentEvent{
		EventType:    queue.EventUnsubscribed,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		CampaignID:   enrollment.CampaignID,
		Reason:       reason,
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

func (s *DueStepScheduler) writeSendLog(
	ctx context.Context,
	enrollment *domain.Enrollment,
	step *domain.StepState,
	subject string,
	deliveryID *string,
	errorCode *string,
	errorMessage *string,
) {
	if s.sendLog == nil {
		return
	}

	entry := &repository.SendLog{
		ID:               uuid.NewString(),
		EnrollmentID:     enrollment.ID,
		ContactID:        enrollment.ContactID,
		StepIndex:        step.StepIndex,
		IdempotencyToken: domain.StepIdempotencyToken(enrollment.ID, step.StepIndex),
		Subject:          subject,
		DeliveryID:       deliveryID,
		ErrorCode:        errorCode,
		Error:            errorMessage,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.sendLog.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to write send log",
			zap.String("enrollmentId", enrollment.ID),
			zap.Int("stepIndex", step.StepIndex),
			zap.Error(err),
		)
	}
}

func (s *DueStepScheduler) publishEvent(ctx context.Context, event queue.EnrollmentEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, queue.EnrollmentEventsQueue, event); err != nil {
		s.logger.Warn("failed to publish enrollment event",
			zap.String("eventType", event.EventType),
			zap.String("enrollmentId", event.EnrollmentID),
			zap.Error(err),
		)
	}
}
