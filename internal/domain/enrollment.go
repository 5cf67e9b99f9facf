package domain

import (
	"fmt"
	"strings"
	"time"
)

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	StatusActive       EnrollmentStatus = "ACTIVE"
	StatusPaused       EnrollmentStatus = "PAUSED"
	StatusCompleted    EnrollmentStatus = "COMPLETED"
	StatusUnsubscribed EnrollmentStatus = "UNSUBSCRIBED"
	StatusStopped      EnrollmentStatus = "STOPPED"
)

func (s EnrollmentStatus) String() string { return string(s) }

func (s EnrollmentStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusUnsubscribed, StatusStopped:
		return true
	}
	return false
}

// IsTerminal reports whether the status is absorbing: no transition leaves it.
func (s EnrollmentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusUnsubscribed, StatusStopped:
		return true
	}
	return false
}

func ParseEnrollmentStatusFromString(s string) (EnrollmentStatus, error) {
	st := EnrollmentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid enrollment status %q", ErrValidation, s)
	}
	return st, nil
}

// Enrollment provenance tags.
const (
	SourceAutoEnrollOnCreate = "auto_enroll_on_create"
	SourceAutoSwitch         = "auto_switch"
	SourceManual             = "manual"
)

// Completion reasons recorded on terminal enrollments.
const (
	ReasonAllStepsSent = "all_steps_sent"
	ReasonSuperseded   = "superseded"
)

// StepState tracks per-step send state inside an enrollment's schedule.
// ScheduledFor is fixed at enrollment time and never recomputed, so a late
// send compresses the remaining gaps instead of shifting the whole sequence.
type StepState struct {
	StepIndex    int        `json:"step_index"`
	DayOffset    int        `json:"day_offset"`
	PurposeTag   string     `json:"purpose_tag"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at"`
	DeliveryID   *string    `json:"delivery_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Exhausted    bool       `json:"exhausted,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

// Due reports whether the step should be dispatched on the given day.
// The comparison is by calendar day, not sub-day timing.
func (s *StepState) Due(today time.Time, maxAttempts int) bool {
	if s == nil || s.SentAt != nil || s.Exhausted {
		return false
	}
	if maxAttempts > 0 && s.AttemptCount >= maxAttempts {
		return false
	}
	return !DayOf(s.ScheduledFor).After(DayOf(today))
}

// DayOf truncates a timestamp to its UTC calendar day. Both sides of a due
// comparison go through here, so a UTC-stored schedule and a local-zone clock
// always agree on the day boundary.
func DayOf(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// Enrollment is a contact's tracked participation in one campaign's step
// sequence. Terminal enrollments are retained for audit, never deleted.
type Enrollment struct {
	ID              string
	ContactID       string
	CampaignID      string
	CampaignName    string
	Status          EnrollmentStatus
	EnrolledAt      time.Time
	CurrentStep     int
	TotalSteps      int
	Schedule        []StepState
	Source          string
	SourceDetail    string
	CompletedReason *string
	// Version guards concurrent step updates: every schedule write is a
	// conditional update against the version read at tick start.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BuildStepSchedule precomputes the full send schedule for a campaign,
// anchored at the enrollment start day.
func BuildStepSchedule(campaign *CampaignDefinition, enrolledAt time.Time) []StepState {
	if campaign == nil {
		return nil
	}
	start := DayOf(enrolledAt)
	schedule := make([]StepState, 0, len(campaign.Steps))
	for _, step := range campaign.Steps {
		schedule = append(schedule, StepState{
			StepIndex:    step.StepIndex,
			DayOffset:    step.DayOffset,
			PurposeTag:   step.PurposeTag,
			ScheduledFor: start.AddDate(0, 0, step.DayOffset),
		})
	}
	return schedule
}

// NewEnrollment creates an Active enrollment with a schedule snapshot taken
// from the campaign definition current at enrollment time.
func NewEnrollment(contact *ContactSnapshot, campaign *CampaignDefinition, source, sourceDetail string, now time.Time) (*Enrollment, error) {
	if contact == nil {
		return nil, fmt.Errorf("%w: contact is required", ErrValidation)
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}
	if !contact.CanReceiveEmail() {
		return nil, fmt.Errorf("%w: contact %s is not deliverable (%s)", ErrValidation, contact.ID, contact.Deliverability)
	}

	return &Enrollment{
		ContactID:    contact.ID,
		CampaignID:   campaign.ID,
		CampaignName: campaign.Name,
		Status:       StatusActive,
		EnrolledAt:   now,
		CurrentStep:  0,
		TotalSteps:   len(campaign.Steps),
		Schedule:     BuildStepSchedule(campaign, now),
		Source:       source,
		SourceDetail: sourceDetail,
	}, nil
}

// CurrentStepState returns the next step not yet attempted, or nil if the
// sequence is finished.
func (e *Enrollment) CurrentStepState() *StepState {
	if e == nil || e.CurrentStep < 0 || e.CurrentStep >= len(e.Schedule) {
		return nil
	}
	return &e.Schedule[e.CurrentStep]
}

// HasExhaustedStep reports whether any unsent step gave up on delivery and
// is waiting for manual review.
func (e *Enrollment) HasExhaustedStep() bool {
	if e == nil {
		return false
	}
	for i := range e.Schedule {
		if e.Schedule[i].Exhausted && e.Schedule[i].SentAt == nil {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine permits moving to the
// target status from the current one.
func (e *Enrollment) CanTransition(to EnrollmentStatus) bool {
	if e == nil || e.Status.IsTerminal() {
		return false
	}
	switch to {
	case StatusCompleted, StatusUnsubscribed, StatusStopped:
		return true
	case StatusPaused:
		return e.Status == StatusActive
	case StatusActive:
		return e.Status == StatusPaused
	}
	return false
}

// Transition applies a status change, enforcing the state machine. A reason
// is recorded only for terminal targets.
func (e *Enrollment) Transition(to EnrollmentStatus, reason string) error {
	if e == nil {
		return fmt.Errorf("%w: enrollment is required", ErrValidation)
	}
	if !e.CanTransition(to) {
		return fmt.Errorf("%w: enrollment %s cannot move %s -> %s", ErrInvalidTransition, e.ID, e.Status, to)
	}

	e.Status = to
	if to.IsTerminal() && strings.TrimSpace(reason) != "" {
		trimmed := strings.TrimSpace(reason)
		e.CompletedReason = &trimmed
	}
	return nil
}

// StepIdempotencyToken derives the deterministic delivery token for a step,
// so a retried call against the same token never double-sends.
func StepIdempotencyToken(enrollmentID string, stepIndex int) string {
	return fmt.Sprintf("%s:step-%d", enrollmentID, stepIndex)
}
