package reminder

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPreVisit Kind = "pre_visit_reminder"
	KindFollowUp Kind = "follow_up_prompt"
)

var ErrTaskNotFound = errors.New("reminder task not found")

// Task maps to the reminder_task table.
type Task struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	AppointmentID   uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	Kind            Kind       `db:"kind" json:"kind"`
	DueAt           time.Time  `db:"due_at" json:"due_at"`
	Fired           bool       `db:"fired" json:"fired"`
	FiredAt         *time.Time `db:"fired_at" json:"fired_at,omitempty"`
	Invalidated     bool       `db:"invalidated" json:"invalidated"`
	AppointmentType string     `db:"appointment_type" json:"appointment_type"`
	PatientRef      string     `db:"patient_ref" json:"patient_ref"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Pending reports whether the task may still be delivered.
func (t *Task) Pending() bool {
	return !t.Fired && !t.Invalidated
}

// Ref identifies the appointment a task is computed for.
type Ref struct {
	AppointmentID   uuid.UUID
	AppointmentType string
	PatientRef      string
}

// Policy holds the timing rules for reminders and follow-up prompts.
type Policy struct {
	// LeadTime is how long before the start a pre-visit reminder is due.
	LeadTime time.Duration
	// FollowUpIntervals is the delay after completion, per appointment type.
	FollowUpIntervals map[string]time.Duration
	// FollowUpTypes always get a follow-up prompt on completion. Other types
	// get one only when the clinician requests it.
	FollowUpTypes map[string]bool
}

func DefaultPolicy() Policy {
	return Policy{
		LeadTime: 24 * time.Hour,
		FollowUpIntervals: map[string]time.Duration{
			"procedure":    7 * 24 * time.Hour,
			"consultation": 14 * 24 * time.Hour,
			"follow_up":    30 * 24 * time.Hour,
			"emergency":    3 * 24 * time.Hour,
		},
		FollowUpTypes: map[string]bool{"procedure": true},
	}
}
