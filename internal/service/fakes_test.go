package service

import (
	"context"
	"time"

	"github.com/metropoint/drip-engine/internal/delivery"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/queue"
	"github.com/metropoint/drip-engine/internal/repository"
)

type fakeEnrollmentRepo struct {
	createFn                 func(ctx context.Context, e *domain.Enrollment) error
	getByIDFn                func(ctx context.Context, id string) (*domain.Enrollment, error)
	getActiveFn              func(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error)
	listOpenByContactFn      func(ctx context.Context, contactID string) ([]domain.Enrollment, error)
	listActiveFn             func(ctx context.Context, limit int) ([]domain.Enrollment, error)
	listFn                   func(ctx context.Context, params repository.ListParams) ([]domain.Enrollment, int64, error)
	transitionStatusFn       func(ctx context.Context, id string, to domain.EnrollmentStatus, reason *string, allowedFrom ...domain.EnrollmentStatus) (bool, error)
	updateStepProgressFn     func(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error)
	listWithExhaustedStepsFn func(ctx context.Context, limit int) ([]domain.Enrollment, error)
}

func (f *fakeEnrollmentRepo) Create(ctx context.Context, e *domain.Enrollment) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, e)
}

func (f *fakeEnrollmentRepo) GetByID(ctx context.Context, id string) (*domain.Enrollment, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, id)
}

func (f *fakeEnrollmentRepo) GetActiveByContactAndCampaign(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error) {
	if f.getActiveFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getActiveFn(ctx, contactID, campaignID)
}

func (f *fakeEnrollmentRepo) ListOpenByContact(ctx context.Context, contactID string) ([]domain.Enrollment, error) {
	if f.listOpenByContactFn == nil {
		return nil, nil
	}
	return f.listOpenByContactFn(ctx, contactID)
}

func (f *fakeEnrollmentRepo) ListActive(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	if f.listActiveFn == nil {
		return nil, nil
	}
	return f.listActiveFn(ctx, limit)
}

func (f *fakeEnrollmentRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Enrollment, int64, error) {
	if f.listFn == nil {
		return nil, 0, nil
	}
	return f.listFn(ctx, params)
}

func (f *fakeEnrollmentRepo) TransitionStatus(ctx context.Context, id string, to domain.EnrollmentStatus, reason *string, allowedFrom ...domain.EnrollmentStatus) (bool, error) {
	if f.transitionStatusFn == nil {
		return true, nil
	}
	return f.transitionStatusFn(ctx, id, to, reason, allowedFrom...)
}

func (f *fakeEnrollmentRepo) UpdateStepProgress(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
	if f.updateStepProgressFn == nil {
		return true, nil
	}
	return f.updateStepProgressFn(ctx, e, expectedVersion)
}

func (f *fakeEnrollmentRepo) ListWithExhaustedSteps(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	if f.listWithExhaustedStepsFn == nil {
		return nil, nil
	}
	return f.listWithExhaustedStepsFn(ctx, limit)
}

type fakeContactRepo struct {
	getByIDFn           func(ctx context.Context, id string) (*domain.ContactSnapshot, error)
	upsertFn            func(ctx context.Context, c *domain.ContactSnapshot) error
	setClassificationFn func(ctx context.Context, id, classification string) error
	setDeliverabilityFn func(ctx context.Context, id string, d domain.Deliverability) error
}

func (f *fakeContactRepo) GetByID(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
	if f.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByIDFn(ctx, id)
}

func (f *fakeContactRepo) Upsert(ctx context.Context, c *domain.ContactSnapshot) error {
	if f.upsertFn == nil {
		return nil
	}
	return f.upsertFn(ctx, c)
}

func (f *fakeContactRepo) SetClassification(ctx context.Context, id, classification string) error {
	if f.setClassificationFn == nil {
		return nil
	}
	return f.setClassificationFn(ctx, id, classification)
}

func (f *fakeContactRepo) SetDeliverability(ctx context.Context, id string, d domain.Deliverability) error {
	if f.setDeliverabilityFn == nil {
		return nil
	}
	return f.setDeliverabilityFn(ctx, id, d)
}

// fakeCampaignRepo backs a real catalog in tests.
type fakeCampaignRepo struct {
	campaigns map[string]*domain.CampaignDefinition
}

func newFakeCampaignRepo(campaigns ...*domain.CampaignDefinition) *fakeCampaignRepo {
	repo := &fakeCampaignRepo{campaigns: make(map[string]*domain.CampaignDefinition)}
	for _, c := range campaigns {
		repo.campaigns[c.ID] = c
	}
	return repo
}

func (f *fakeCampaignRepo) Upsert(ctx context.Context, c *domain.CampaignDefinition) error {
	f.campaigns[c.ID] = c
	return nil
}

func (f *fakeCampaignRepo) GetByID(ctx context.Context, id string) (*domain.CampaignDefinition, error) {
	campaign, ok := f.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return campaign, nil
}

func (f *fakeCampaignRepo) GetByClassification(ctx context.Context, classification string) (*domain.CampaignDefinition, error) {
	for _, campaign := range f.campaigns {
		if campaign.MapsClassification(classification) {
			return campaign, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCampaignRepo) List(ctx context.Context) ([]domain.CampaignDefinition, error) {
	campaigns := make([]domain.CampaignDefinition, 0, len(f.campaigns))
	for _, campaign := range f.campaigns {
		campaigns = append(campaigns, *campaign)
	}
	return campaigns, nil
}

type fakeSendLogRepo struct {
	entries []repository.SendLog
}

func (f *fakeSendLogRepo) Create(ctx context.Context, entry *repository.SendLog) error {
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeSendLogRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]repository.SendLog, error) {
	entries := make([]repository.SendLog, 0, len(f.entries))
	for _, entry := range f.entries {
		if entry.EnrollmentID == enrollmentID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

type fakeDelivery struct {
	sendFn   func(ctx context.Context, req delivery.Request) (*delivery.Result, error)
	requests []delivery.Request
}

func (f *fakeDelivery) Send(ctx context.Context, req delivery.Request) (*delivery.Result, error) {
	f.requests = append(f.requests, req)
	if f.sendFn == nil {
		return &delivery.Result{DeliveryID: "dlv-" + req.IdempotencyToken}, nil
	}
	return f.sendFn(ctx, req)
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, event queue.EnrollmentEvent) error
	events    []queue.EnrollmentEvent
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, event queue.EnrollmentEvent) error {
	f.events = append(f.events, event)
	if f.publishFn == nil {
		return nil
	}
	return f.publishFn(ctx, queueName, event)
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) eventTypes() []string {
	types := make([]string, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.EventType)
	}
	return types
}

type fakeLimiter struct {
	waits int
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return f.err == nil, f.err
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	f.waits++
	return f.err
}

type fakeLock struct {
	acquired bool
	releases int
}

func (f *fakeLock) Acquire(ctx context.Context, ttl time.Duration) (bool, func(context.Context) error, error) {
	if !f.acquired {
		return false, nil, nil
	}
	return true, func(context.Context) error {
		f.releases++
		return nil
	}, nil
}
