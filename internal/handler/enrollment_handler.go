package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/metropoint/drip-engine/internal/domain"
	"github.com/metropoint/drip-engine/internal/repository"
	"github.com/metropoint/drip-engine/internal/service"
)

// EnrollmentHandler exposes manual enrollment operations for support staff.
// The automatic flows run off the contact lifecycle queue, not this API.
type EnrollmentHandler struct {
	controller  *service.EnrollmentController
	enrollments repository.EnrollmentRepository
	sendLog     repository.SendLogRepository
}

func NewEnrollmentHandler(
	controller *service.EnrollmentController,
	enrollments repository.EnrollmentRepository,
	sendLog repository.SendLogRepository,
) *EnrollmentHandler {
	return &EnrollmentHandler{
		controller:  controller,
		enrollments: enrollments,
		sendLog:     sendLog,
	}
}

func (h *EnrollmentHandler) RegisterRoutes(router fiber.Router) {
	group := router.Group("/enrollments")
	group.Get("/", h.List)
	group.Post("/", h.Create)
	group.Get("/review", h.ListForReview)
	group.Get("/:id", h.Get)
	group.Get("/:id/sends", h.ListSends)
	group.Post("/:id/pause", h.Pause)
	group.Post("/:id/resume", h.Resume)
	group.Post("/:id/stop", h.Stop)
}

type createEnrollmentRequest struct {
	ContactID  string `json:"contact_id"`
	CampaignID string `json:"campaign_id"`
}

type stopEnrollmentRequest struct {
	Reason string `json:"reason"`
}

type stepStateResponse struct {
	StepIndex    int        `json:"step_index"`
	DayOffset    int        `json:"day_offset"`
	PurposeTag   string     `json:"purpose_tag,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at"`
	DeliveryID   *string    `json:"delivery_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Exhausted    bool       `json:"exhausted"`
	LastError    *string    `json:"last_error,omitempty"`
}

type enrollmentResponse struct {
	ID              string              `json:"id"`
	ContactID       string              `json:"contact_id"`
	CampaignID      string              `json:"campaign_id"`
	CampaignName    string              `json:"campaign_name"`
	Status          string              `json:"status"`
	EnrolledAt      time.Time           `json:"enrolled_at"`
	CurrentStep     int                 `json:"current_step"`
	TotalSteps      int                 `json:"total_steps"`
	Source          string              `json:"source"`
	SourceDetail    string              `json:"source_detail,omitempty"`
	CompletedReason *string             `json:"completed_reason,omitempty"`
	Schedule        []stepStateResponse `json:"schedule"`
}

type sendLogResponse struct {
	StepIndex        int       `json:"step_index"`
	IdempotencyToken string    `json:"idempotency_token"`
	Subject          string    `json:"subject,omitempty"`
	DeliveryID       *string   `json:"delivery_id,omitempty"`
	ErrorCode        *string   `json:"error_code,omitempty"`
	Error            *string   `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (h *EnrollmentHandler) List(c *fiber.Ctx) error {
	params := repository.ListParams{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 50),
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseEnrollmentStatusFromString(raw)
		if err != nil {
			return err
		}
		params.Status = &status
	}
	if campaignID := strings.TrimSpace(c.Query("campaign_id")); campaignID != "" {
		params.CampaignID = &campaignID
	}
	if contactID := strings.TrimSpace(c.Query("contact_id")); contactID != "" {
		params.ContactID = &contactID
	}

	enrollments, total, err := h.enrollments.List(c.Context(), params)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"enrollments": enrollmentResponses(enrollments),
		"total":       total,
		"page":        params.Page,
		"page_size":   params.PageSize,
	})
}

// ListForReview returns active enrollments stuck on a step that gave up on
// delivery and needs a human decision.
func (h *EnrollmentHandler) ListForReview(c *fiber.Ctx) error {
	enrollments, err := h.enrollments.ListWithExhaustedSteps(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"enrollments": enrollmentResponses(enrollments),
	})
}

func (h *EnrollmentHandler) Get(c *fiber.Ctx) error {
	enrollment, err := h.enrollments.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toEnrollmentResponse(enrollment))
}

func (h *EnrollmentHandler) ListSends(c *fiber.Ctx) error {
	enrollmentID := c.Params("id")
	if _, err := h.enrollments.GetByID(c.Context(), enrollmentID); err != nil {
		return err
	}

	entries, err := h.sendLog.ListByEnrollment(c.Context(), enrollmentID)
	if err != nil {
		return err
	}

	sends := make([]sendLogResponse, 0, len(entries))
	for i := range entries {
		entry := entries[i]
		sends = append(sends, sendLogResponse{
			StepIndex:        entry.StepIndex,
			IdempotencyToken: entry.IdempotencyToken,
			Subject:          entry.Subject,
			DeliveryID:       entry.DeliveryID,
			ErrorCode:        entry.ErrorCode,
			Error:            entry.Error,
			CreatedAt:        entry.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"sends": sends})
}

func (h *EnrollmentHandler) Create(c *fiber.Ctx) error {
	var req createEnrollmentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if strings.TrimSpace(req.ContactID) == "" || strings.TrimSpace(req.CampaignID) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "contact_id and campaign_id are required")
	}

	enrollment, err := h.controller.Enroll(c.Context(), strings.TrimSpace(req.ContactID), strings.TrimSpace(req.CampaignID))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toEnrollmentResponse(enrollment))
}

func (h *EnrollmentHandler) Pause(c *fiber.Ctx) error {
	if err := h.controller.Pause(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return h.respondWithEnrollment(c)
}

func (h *EnrollmentHandler) Resume(c *fiber.Ctx) error {
	if err := h.controller.Resume(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return h.respondWithEnrollment(c)
}

func (h *EnrollmentHandler) Stop(c *fiber.Ctx) error {
	var req stopEnrollmentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
		}
	}

	if err := h.controller.Stop(c.Context(), c.Params("id"), req.Reason); err != nil {
		return err
	}
	return h.respondWithEnrollment(c)
}

func (h *EnrollmentHandler) respondWithEnrollment(c *fiber.Ctx) error {
	enrollment, err := h.enrollments.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toEnrollmentResponse(enrollment))
}

func enrollmentResponses(enrollments []domain.Enrollment) []enrollmentResponse {
	responses := make([]enrollmentResponse, 0, len(enrollments))
	for i := range enrollments {
		responses = append(responses, *toEnrollmentResponse(&enrollments[i]))
	}
	return responses
}

func toEnrollmentResponse(e *domain.Enrollment) *enrollmentResponse {
	schedule := make([]stepStateResponse, 0, len(e.Schedule))
	for i := range e.Schedule {
		step := e.Schedule[i]
		schedule = append(schedule, stepStateResponse{
			StepIndex:    step.StepIndex,
			DayOffset:    step.DayOffset,
			PurposeTag:   step.PurposeTag,
			ScheduledFor: step.ScheduledFor,
			SentAt:       step.SentAt,
			DeliveryID:   step.DeliveryID,
			AttemptCount: step.AttemptCount,
			Exhausted:    step.Exhausted,
			LastError:    step.LastError,
		})
	}

	return &enrollmentResponse{
		ID:              e.ID,
		ContactID:       e.ContactID,
		CampaignID:      e.CampaignID,
		CampaignName:    e.CampaignName,
		Status:          e.Status.String(),
		EnrolledAt:      e.EnrolledAt,
		CurrentStep:     e.CurrentStep,
		TotalSteps:      e.TotalSteps,
		Source:          e.Source,
		SourceDetail:    e.SourceDetail,
		CompletedReason: e.CompletedReason,
		Schedule:        schedule,
	}
}
