package scheduling

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/pkg/interval"
)

// TimeRange is a half-open [Start, End) range of absolute instants.
type TimeRange = interval.Interval

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCheckedIn Status = "checked_in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// Active statuses hold occupancy on their resources.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusCheckedIn
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeProcedure    Type = "procedure"
	TypeEmergency    Type = "emergency"
)

type durationRule struct {
	min, max time.Duration
}

var durationRules = map[Type]durationRule{
	TypeConsultation: {5 * time.Minute, 4 * time.Hour},
	TypeFollowUp:     {5 * time.Minute, 4 * time.Hour},
	TypeProcedure:    {5 * time.Minute, 12 * time.Hour},
	TypeEmergency:    {time.Minute, 24 * time.Hour},
}

func (t Type) Valid() bool {
	_, ok := durationRules[t]
	return ok
}

// validateRange checks the half-open range and the duration limits of t.
func (t Type) validateRange(r TimeRange) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimeRange, err)
	}
	rule, ok := durationRules[t]
	if !ok {
		return fmt.Errorf("%w: unknown appointment type %q", ErrInvalidTimeRange, t)
	}
	if d := r.Duration(); d < rule.min || d > rule.max {
		return fmt.Errorf("%w: %s must last between %s and %s, got %s",
			ErrInvalidTimeRange, t, rule.min, rule.max, d)
	}
	return nil
}

// Appointment maps to the appointment table. Values handed out by the
// service are copies; the service's own records change only through
// transitions.
type Appointment struct {
	ID                 uuid.UUID   `db:"id" json:"id"`
	PatientRef         string      `db:"patient_ref" json:"patient_ref"`
	ResourceIDs        []uuid.UUID `db:"resource_ids" json:"resource_ids"`
	Start              time.Time   `db:"start_at" json:"start"`
	End                time.Time   `db:"end_at" json:"end"`
	Type               Type        `db:"type" json:"type"`
	Status             Status      `db:"status" json:"status"`
	ParentID           *uuid.UUID  `db:"parent_id" json:"parent_id,omitempty"`
	CancellationReason string      `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	NotesRef           string      `db:"notes_ref" json:"notes_ref,omitempty"`
	FollowUpRequested  bool        `db:"follow_up_requested" json:"follow_up_requested"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updated_at"`
	CreatedBy          string      `db:"created_by" json:"created_by"`
	UpdatedBy          string      `db:"updated_by" json:"updated_by"`
	Version            int         `db:"version" json:"version"`
}

func (a *Appointment) Range() TimeRange {
	return TimeRange{Start: a.Start, End: a.End}
}

func (a *Appointment) clone() *Appointment {
	c := *a
	c.ResourceIDs = slices.Clone(a.ResourceIDs)
	if a.ParentID != nil {
		p := *a.ParentID
		c.ParentID = &p
	}
	return &c
}

// dedupe removes repeated ids, keeping the first occurrence.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// CreateRequest describes a new booking.
type CreateRequest struct {
	PatientRef  string
	ResourceIDs []uuid.UUID
	Range       TimeRange
	Type        Type
	ParentID    *uuid.UUID
}

// TransitionExtra carries the optional inputs of a transition.
type TransitionExtra struct {
	// Reason is recorded on cancel.
	Reason string
	// NotesRef points at the clinical note written on complete.
	NotesRef string
	// FollowUp is the clinician's request for a follow-up prompt on complete.
	FollowUp bool
}

// Result is returned by every successful mutation.
type Result struct {
	Appointment *Appointment `json:"appointment"`
	Warnings    []string     `json:"warnings,omitempty"`
}

// WarningAuditDegraded prefixes the warning added when the transition
// committed but its audit record could not be written.
const WarningAuditDegraded = "audit_degraded"

func (r *Result) AuditDegraded() bool {
	for _, w := range r.Warnings {
		if strings.HasPrefix(w, WarningAuditDegraded) {
			return true
		}
	}
	return false
}

// OpenInterval is a free slice of one resource's availability.
type OpenInterval struct {
	ResourceID uuid.UUID `json:"resource_id"`
	TimeRange
}

// ListFilter narrows ListAppointments. Zero fields match everything.
type ListFilter struct {
	PatientRef string
	ResourceID uuid.UUID
	Status     Status
	From       time.Time
	To         time.Time
}

func (f ListFilter) match(a *Appointment) bool {
	if f.PatientRef != "" && a.PatientRef != f.PatientRef {
		return false
	}
	if f.ResourceID != uuid.Nil && !slices.Contains(a.ResourceIDs, f.ResourceID) {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && !a.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.Start.Before(f.To) {
		return false
	}
	return true
}

// TypeStats counts appointments of one type by outcome.
type TypeStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	NoShow    int `json:"no_show"`
}
