package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/delivery"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustScheduler(
	t *testing.T,
	enrollments *fakeEnrollmentRepo,
	contacts *fakeContactRepo,
	cat *catalog.Catalog,
	sendLog *fakeSendLogRepo,
	sender *fakeDelivery,
	publisher *fakePublisher,
	opts SchedulerOptions,
) *DueStepScheduler {
	t.Helper()
	scheduler, err := NewDueStepScheduler(enrollments, contacts, cat, sendLog, sender, publisher, zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("NewDueStepScheduler() error = %v", err)
	}
	return scheduler
}

// activeEnrollment builds an ACTIVE enrollment whose schedule started the
// given number of days ago.
func activeEnrollment(t *testing.T, campaign *domain.CampaignDefinition, daysAgo int, now time.Time) *domain.Enrollment {
	t.Helper()
	enrollment, err := domain.NewEnrollment(testContact("contact-1"), campaign, domain.SourceManual, "test", now.AddDate(0, 0, -daysAgo))
	if err != nil {
		t.Fatalf("NewEnrollment() error = %v", err)
	}
	enrollment.ID = "e-1"
	return enrollment
}

func TestNewDueStepSchedulerAppliesDefaults(t *testing.T) {
	t.Parallel()

	scheduler := mustScheduler(t, &fakeEnrollmentRepo{}, &fakeContactRepo{}, mustCatalog(t), &fakeSendLogRepo{}, &fakeDelivery{}, &fakePublisher{}, SchedulerOptions{})

	if scheduler.interval != defaultTickInterval {
		t.Fatalf("interval = %s, want %s", scheduler.interval, defaultTickInterval)
	}
	if scheduler.scanLimit != defaultScanLimit {
		t.Fatalf("scanLimit = %d, want %d", scheduler.scanLimit, defaultScanLimit)
	}
	if scheduler.maxAttempts != defaultMaxAttempts {
		t.Fatalf("maxAttempts = %d, want %d", scheduler.maxAttempts, defaultMaxAttempts)
	}
}

func TestRunTickSendsDueStepAndAdvances(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0, 2, 5)
	enrollment := activeEnrollment(t, campaign, 0, now)

	var updated *domain.Enrollment
	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*enrollment}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			if expectedVersion != 0 {
				t.Fatalf("expectedVersion = %d, want 0", expectedVersion)
			}
			updated = e
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{}
	sendLog := &fakeSendLogRepo{}
	publisher := &fakePublisher{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), sendLog, sender, publisher, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	sent, err := scheduler.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("delivery calls = %d, want 1", len(sender.requests))
	}
	request := sender.requests[0]
	if request.IdempotencyToken != "e-1:step-0" {
		t.Fatalf("idempotency token = %q, want e-1:step-0", request.IdempotencyToken)
	}
	if request.RecipientAddress != "contact-1@example.com" {
		t.Fatalf("recipient = %q", request.RecipientAddress)
	}
	if !strings.Contains(request.Subject, "Pat") {
		t.Fatalf("subject %q not rendered", request.Subject)
	}

	if updated == nil {
		t.Fatal("expected a step progress update")
	}
	if updated.CurrentStep != 1 {
		t.Fatalf("current step = %d, want 1", updated.CurrentStep)
	}
	if updated.Schedule[0].SentAt == nil {
		t.Fatal("step 0 sent_at not recorded")
	}
	if updated.Status != domain.StatusActive {
		t.Fatalf("status = %s, want still ACTIVE", updated.Status)
	}

	if len(sendLog.entries) != 1 || sendLog.entries[0].DeliveryID == nil {
		t.Fatalf("send log = %+v, want one success entry", sendLog.entries)
	}
	types := publisher.eventTypes()
	if len(types) != 1 || types[0] != queue.EventStepSent {
		t.Fatalf("events = %v, want [step_sent]", types)
	}
}

func TestRunTickSkipsStepNotYetDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0, 2)
	enrollment := activeEnrollment(t, campaign, 0, now)
	enrollment.CurrentStep = 1
	sentAt := now.AddDate(0, 0, -1)
	enrollment.Schedule[0].SentAt = &sentAt

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*enrollment}, nil
		},
	}
	sender := &fakeDelivery{}
	scheduler := mustScheduler(t, enrollments, &fakeContactRepo{}, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, &fakePublisher{}, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	sent, err := scheduler.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}
	if sent != 0 || len(sender.requests) != 0 {
		t.Fatalf("sent = %d, delivery calls = %d, want none", sent, len(sender.requests))
	}
}

// A contact enrolled three days ago with steps at day 0 and day 3 catches up
// one step per tick: two ticks on the same day send both, compressing the gap
// instead of shifting the remaining schedule.
func TestOverdueStepsCatchUpOnePerTick(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0, 3)
	current := activeEnrollment(t, campaign, 3, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			if current.Status != domain.StatusActive {
				return nil, nil
			}
			return []domain.Enrollment{*current}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			if e.Version != expectedVersion {
				t.Fatalf("version = %d, want read version %d", e.Version, expectedVersion)
			}
			snapshot := *e
			snapshot.Version = expectedVersion + 1
			current = &snapshot
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{}
	publisher := &fakePublisher{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, publisher, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	for tick := 0; tick < 2; tick++ {
		if _, err := scheduler.RunTick(context.Background()); err != nil {
			t.Fatalf("RunTick() #%d error = %v", tick, err)
		}
	}

	if len(sender.requests) != 2 {
		t.Fatalf("delivery calls = %d, want 2", len(sender.requests))
	}
	if sender.requests[0].IdempotencyToken != "e-1:step-0" || sender.requests[1].IdempotencyToken != "e-1:step-1" {
		t.Fatalf("tokens = %q, %q, want step-0 then step-1", sender.requests[0].IdempotencyToken, sender.requests[1].IdempotencyToken)
	}
	if current.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after final step", current.Status)
	}
	if current.CompletedReason == nil || *current.CompletedReason != domain.ReasonAllStepsSent {
		t.Fatalf("completed reason = %v, want %q", current.CompletedReason, domain.ReasonAllStepsSent)
	}

	types := publisher.eventTypes()
	if len(types) != 3 || types[2] != queue.EventEnrollmentCompleted {
		t.Fatalf("events = %v, want step_sent, step_sent, completed", types)
	}
}

func TestDeliverabilityChangeWinsOverDueStep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	enrollment := activeEnrollment(t, campaign, 0, now)

	var transitionedTo domain.EnrollmentStatus
	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*enrollment}, nil
		},
		transitionStatusFn: func(ctx context.Context, id string, to domain.EnrollmentStatus, reason *string, allowedFrom ...domain.EnrollmentStatus) (bool, error) {
			transitionedTo = to
			if reason == nil || *reason != "bounced" {
				t.Fatalf("reason = %v, want bounced", reason)
			}
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			contact := testContact(id)
			contact.Deliverability = domain.DeliverabilityBounced
			return contact, nil
		},
	}
	sender := &fakeDelivery{}
	publisher := &fakePublisher{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, publisher, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	if _, err := scheduler.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if len(sender.requests) != 0 {
		t.Fatal("delivery must not be called for a bounced contact")
	}
	if transitionedTo != domain.StatusUnsubscribed {
		t.Fatalf("transition = %s, want %s", transitionedTo, domain.StatusUnsubscribed)
	}
	if types := publisher.eventTypes(); len(types) != 1 || types[0] != queue.EventUnsubscribed {
		t.Fatalf("events = %v, want [unsubscribed]", types)
	}
}

func TestRetryableFailuresExhaustAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0, 1)
	current := activeEnrollment(t, campaign, 0, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*current}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			snapshot := *e
			snapshot.Version = expectedVersion + 1
			current = &snapshot
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{
		sendFn: func(ctx context.Context, req delivery.Request) (*delivery.Result, error) {
			return nil, &delivery.DeliveryError{StatusCode: 503, ErrorCode: "provider_down", Retryable: true}
		},
	}
	publisher := &fakePublisher{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, publisher, SchedulerOptions{MaxAttempts: 3})
	scheduler.now = func() time.Time { return now }

	for tick := 0; tick < 4; tick++ {
		if _, err := scheduler.RunTick(context.Background()); err != nil {
			t.Fatalf("RunTick() #%d error = %v", tick, err)
		}
	}

	// Three attempts, then the step parks; the fourth tick must not retry.
	if len(sender.requests) != 3 {
		t.Fatalf("delivery calls = %d, want 3", len(sender.requests))
	}
	step := &current.Schedule[0]
	if step.AttemptCount != 3 || !step.Exhausted {
		t.Fatalf("step = attempts %d exhausted %t, want 3/true", step.AttemptCount, step.Exhausted)
	}
	if current.Status != domain.StatusActive {
		t.Fatalf("status = %s, want still ACTIVE for manual review", current.Status)
	}
	if current.CurrentStep != 0 {
		t.Fatalf("current step = %d, later steps must wait behind the exhausted one", current.CurrentStep)
	}

	types := publisher.eventTypes()
	if len(types) != 1 || types[0] != queue.EventStepExhausted {
		t.Fatalf("events = %v, want [step_exhausted]", types)
	}
}

func TestPermanentFailureExhaustsImmediately(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	current := activeEnrollment(t, campaign, 0, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*current}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			snapshot := *e
			current = &snapshot
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{
		sendFn: func(ctx context.Context, req delivery.Request) (*delivery.Result, error) {
			return nil, &delivery.DeliveryError{StatusCode: 400, ErrorCode: "invalid_recipient", Retryable: false}
		},
	}
	sendLog := &fakeSendLogRepo{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), sendLog, sender, &fakePublisher{}, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	if _, err := scheduler.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	step := &current.Schedule[0]
	if step.AttemptCount != 1 || !step.Exhausted {
		t.Fatalf("step = attempts %d exhausted %t, want 1/true", step.AttemptCount, step.Exhausted)
	}
	if len(sendLog.entries) != 1 || sendLog.entries[0].ErrorCode == nil || *sendLog.entries[0].ErrorCode != "invalid_recipient" {
		t.Fatalf("send log = %+v, want one invalid_recipient entry", sendLog.entries)
	}
}

func TestEmptyRenderedMessageNeverReachesDelivery(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	campaign.Steps[0].BodyTemplate = "{{#company}}{{company}}{{/company}}"
	current := activeEnrollment(t, campaign, 0, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*current}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			snapshot := *e
			current = &snapshot
			return true, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, &fakePublisher{}, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	if _, err := scheduler.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	if len(sender.requests) != 0 {
		t.Fatal("delivery must not be called with an empty body")
	}
	if !current.Schedule[0].Exhausted {
		t.Fatal("step with an empty render must exhaust immediately")
	}
}

func TestLostProgressRaceStillLogsSend(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	enrollment := activeEnrollment(t, campaign, 0, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*enrollment}, nil
		},
		updateStepProgressFn: func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
			return false, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	sendLog := &fakeSendLogRepo{}
	publisher := &fakePublisher{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), sendLog, &fakeDelivery{}, publisher, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	if _, err := scheduler.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}

	// The provider call happened, so the audit row is written, but no
	// step_sent event goes out for a write that lost the race.
	if len(sendLog.entries) != 1 {
		t.Fatalf("send log entries = %d, want 1", len(sendLog.entries))
	}
	if len(publisher.events) != 0 {
		t.Fatalf("events = %v, want none", publisher.eventTypes())
	}
}

func TestRunTickIsolatesFailingEnrollments(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	first := activeEnrollment(t, campaign, 0, now)
	second := activeEnrollment(t, campaign, 0, now)
	second.ID = "e-2"
	second.ContactID = "contact-2"

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*first, *second}, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			if id == "contact-1" {
				return nil, errors.New("snapshot store unavailable")
			}
			return testContact(id), nil
		},
	}
	sender := &fakeDelivery{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, sender, &fakePublisher{}, SchedulerOptions{})
	scheduler.now = func() time.Time { return now }

	sent, err := scheduler.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want the healthy enrollment to proceed", sent)
	}
	if len(sender.requests) != 1 || sender.requests[0].IdempotencyToken != "e-2:step-0" {
		t.Fatalf("requests = %+v, want only e-2", sender.requests)
	}
}

func TestTickSkippedWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			t.Fatal("tick must not scan without the lock")
			return nil, nil
		},
	}
	scheduler := mustScheduler(t, enrollments, &fakeContactRepo{}, mustCatalog(t), &fakeSendLogRepo{}, &fakeDelivery{}, &fakePublisher{}, SchedulerOptions{
		Lock: &fakeLock{acquired: false},
	})

	if err := scheduler.runLocked(context.Background()); err != nil {
		t.Fatalf("runLocked() error = %v", err)
	}
}

func TestSendWaitsOnRateLimiter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	campaign := testCampaign("lead-drip", "lead", 0)
	enrollment := activeEnrollment(t, campaign, 0, now)

	enrollments := &fakeEnrollmentRepo{
		listActiveFn: func(ctx context.Context, limit int) ([]domain.Enrollment, error) {
			return []domain.Enrollment{*enrollment}, nil
		},
	}
	contacts := &fakeContactRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
			return testContact(id), nil
		},
	}
	limiter := &fakeLimiter{}
	scheduler := mustScheduler(t, enrollments, contacts, mustCatalog(t, campaign), &fakeSendLogRepo{}, &fakeDelivery{}, &fakePublisher{}, SchedulerOptions{
		Limiter: limiter,
	})
	scheduler.now = func() time.Time { return now }

	if _, err := scheduler.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error = %v", err)
	}
	if limiter.waits != 1 {
		t.Fatalf("limiter waits = %d, want 1", limiter.waits)
	}
}

func TestTickLogsCarryCorrelationID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	scheduler, err := NewDueStepScheduler(
		&fakeEnrollmentRepo{}, &fakeContactRepo{}, mustCatalog(t), &fakeSendLogRepo{},
		&fakeDelivery{}, &fakePublisher{}, zap.New(core), SchedulerOptions{},
	)
	if err != nil {
		t.Fatalf("NewDueStepScheduler() error = %v", err)
	}

	if err := scheduler.runLocked(context.Background()); err != nil {
		t.Fatalf("runLocked() error = %v", err)
	}

	entries := recorded.FilterMessage("tick finished").All()
	if len(entries) != 1 {
		t.Fatalf("tick finished entries = %d, want 1", len(entries))
	}
	if id, ok := entries[0].ContextMap()["correlationId"].(string); !ok || id == "" {
		t.Fatalf("correlationId missing from tick log: %v", entries[0].ContextMap())
	}
}
