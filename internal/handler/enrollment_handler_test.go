package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/repository"
	"github.com/metropoint/drip-engine/internal/service"
	"github.com/metropoint/drip-engine/internal/transport"
	"go.uber.org/zap"
)

type memEnrollmentStore struct {
	mu          sync.Mutex
	enrollments map[string]*domain.Enrollment
}

func newMemEnrollmentStore() *memEnrollmentStore {
	return &memEnrollmentStore{enrollments: make(map[string]*domain.Enrollment)}
}

func (s *memEnrollmentStore) Create(ctx context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.enrollments[e.ID] = &copied
	return nil
}

func (s *memEnrollmentStore) GetByID(ctx context.Context, id string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *memEnrollmentStore) GetActiveByContactAndCampaign(ctx context.Context, contactID, campaignID string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.ContactID == contactID && e.CampaignID == campaignID && e.Status == domain.StatusActive {
			copied := *e
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memEnrollmentStore) ListOpenByContact(ctx context.Context, contactID string) ([]domain.Enrollment, error) {
	return nil, nil
}

func (s *memEnrollmentStore) ListActive(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	return nil, nil
}

func (s *memEnrollmentStore) List(ctx context.Context, params repository.ListParams) ([]domain.Enrollment, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]domain.Enrollment, 0, len(s.enrollments))
	for _, e := range s.enrollments {
		if params.Status != nil && e.Status != *params.Status {
			continue
		}
		results = append(results, *e)
	}
	return results, int64(len(results)), nil
}

func (s *memEnrollmentStore) TransitionStatus(ctx context.Context, id string, to domain.EnrollmentStatus, reason *string, allowedFrom ...domain.EnrollmentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return false, nil
	}
	for _, from := range allowedFrom {
		if e.Status == from {
			e.Status = to
			if reason != nil {
				e.CompletedReason = reason
			}
			e.Version++
			return true, nil
		}
	}
	return false, nil
}

func (s *memEnrollmentStore) UpdateStepProgress(ctx context.Context, e *domain.Enrollment, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	copied.Version = expectedVersion + 1
	s.enrollments[e.ID] = &copied
	return true, nil
}

func (s *memEnrollmentStore) ListWithExhaustedSteps(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]domain.Enrollment, 0)
	for _, e := range s.enrollments {
		if e.Status == domain.StatusActive && e.HasExhaustedStep() {
			results = append(results, *e)
		}
	}
	return results, nil
}

type memContactStore struct {
	contacts map[string]*domain.ContactSnapshot
}

func (s *memContactStore) GetByID(ctx context.Context, id string) (*domain.ContactSnapshot, error) {
	contact, ok := s.contacts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return contact, nil
}

func (s *memContactStore) Upsert(ctx context.Context, c *domain.ContactSnapshot) error { return nil }

func (s *memContactStore) SetClassification(ctx context.Context, id, classification string) error {
	return nil
}

func (s *memContactStore) SetDeliverability(ctx context.Context, id string, d domain.Deliverability) error {
	return nil
}

type memCampaignStore struct {
	campaigns map[string]*domain.CampaignDefinition
}

func (s *memCampaignStore) Upsert(ctx context.Context, c *domain.CampaignDefinition) error {
	s.campaigns[c.ID] = c
	return nil
}

func (s *memCampaignStore) GetByID(ctx context.Context, id string) (*domain.CampaignDefinition, error) {
	campaign, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return campaign, nil
}

func (s *memCampaignStore) GetByClassification(ctx context.Context, classification string) (*domain.CampaignDefinition, error) {
	for _, campaign := range s.campaigns {
		if campaign.MapsClassification(classification) {
			return campaign, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memCampaignStore) List(ctx context.Context) ([]domain.CampaignDefinition, error) {
	campaigns := make([]domain.CampaignDefinition, 0, len(s.campaigns))
	for _, campaign := range s.campaigns {
		campaigns = append(campaigns, *campaign)
	}
	return campaigns, nil
}

func newTestApp(t *testing.T) (*fiber.App, *memEnrollmentStore) {
	t.Helper()

	enrollments := newMemEnrollmentStore()
	contacts := &memContactStore{contacts: map[string]*domain.ContactSnapshot{
		"contact-1": {
			ID:             "contact-1",
			Classification: "lead",
			Email:          "contact-1@example.com",
			Deliverability: domain.DeliverabilityDeliverable,
			Attributes:     map[string]string{"first_name": "Pat"},
		},
	}}
	campaigns := &memCampaignStore{campaigns: map[string]*domain.CampaignDefinition{
		"lead-drip": {
			ID:                        "lead-drip",
			Name:                      "Lead Nurture",
			AutoEnrollClassifications: []string{"lead"},
			Steps: []domain.CampaignStep{
				{StepIndex: 0, DayOffset: 0, PurposeTag: "introduction", SubjectTemplate: "Hello", BodyTemplate: "Hi {{first_name}}"},
				{StepIndex: 1, DayOffset: 2, PurposeTag: "follow_up", SubjectTemplate: "Again", BodyTemplate: "Hi again"},
			},
		},
	}}

	campaignCatalog, err := catalog.NewCatalog(campaigns)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	controller, err := service.NewEnrollmentController(enrollments, contacts, campaignCatalog, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEnrollmentController() error = %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	v1 := app.Group("/v1")
	NewCampaignHandler(campaignCatalog).RegisterRoutes(v1)
	NewEnrollmentHandler(controller, enrollments, &memSendLogStore{}).RegisterRoutes(v1)

	return app, enrollments
}

type memSendLogStore struct {
	entries []repository.SendLog
}

func (s *memSendLogStore) Create(ctx context.Context, entry *repository.SendLog) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memSendLogStore) ListByEnrollment(ctx context.Context, enrollmentID string) ([]repository.SendLog, error) {
	return s.entries, nil
}

func TestCreateEnrollmentEndpoint(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	body := bytes.NewBufferString(`{"contact_id": "contact-1", "campaign_id": "lead-drip"}`)
	req := httptest.NewRequest("POST", "/v1/enrollments", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created enrollmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if created.Status != "ACTIVE" || created.TotalSteps != 2 {
		t.Fatalf("created = %+v", created)
	}
	if len(created.Schedule) != 2 {
		t.Fatalf("schedule length = %d, want 2", len(created.Schedule))
	}
}

func TestCreateEnrollmentDuplicateReturnsConflict(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	for i, wantStatus := range []int{fiber.StatusCreated, fiber.StatusConflict} {
		body := bytes.NewBufferString(`{"contact_id": "contact-1", "campaign_id": "lead-drip"}`)
		req := httptest.NewRequest("POST", "/v1/enrollments", body)
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test() #%d error = %v", i, err)
		}
		if resp.StatusCode != wantStatus {
			t.Fatalf("request %d status = %d, want %d", i, resp.StatusCode, wantStatus)
		}
	}
}

func TestGetEnrollmentNotFound(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/enrollments/missing", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPauseCompletedEnrollmentConflicts(t *testing.T) {
	t.Parallel()

	app, store := newTestApp(t)
	store.enrollments["e-1"] = &domain.Enrollment{
		ID:         "e-1",
		ContactID:  "contact-1",
		CampaignID: "lead-drip",
		Status:     domain.StatusCompleted,
		EnrolledAt: time.Now(),
	}

	resp, err := app.Test(httptest.NewRequest("POST", "/v1/enrollments/e-1/pause", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStopActiveEnrollment(t *testing.T) {
	t.Parallel()

	app, store := newTestApp(t)
	store.enrollments["e-1"] = &domain.Enrollment{
		ID:         "e-1",
		ContactID:  "contact-1",
		CampaignID: "lead-drip",
		Status:     domain.StatusActive,
		EnrolledAt: time.Now(),
	}

	body := bytes.NewBufferString(`{"reason": "contact requested"}`)
	req := httptest.NewRequest("POST", "/v1/enrollments/e-1/stop", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stopped enrollmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&stopped); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if stopped.Status != "STOPPED" {
		t.Fatalf("status = %s, want STOPPED", stopped.Status)
	}
}

func TestListEnrollmentsRejectsBadStatus(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/enrollments/?status=bogus", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListCampaignsEndpoint(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/campaigns/", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Campaigns []domain.CampaignDefinition `json:"campaigns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(payload.Campaigns) != 1 || payload.Campaigns[0].ID != "lead-drip" {
		t.Fatalf("campaigns = %+v", payload.Campaigns)
	}
}
