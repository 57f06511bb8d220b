// Package notification hands due reminder tasks to the delivery pipeline:
// it polls a Source, claims each task so redundant dispatchers do not
// publish it twice, renders the reminder text and publishes it to a queue.
// Delivery itself (email, SMS, push) happens downstream of the queue.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/reminder"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is the payload published for one reminder task.
type Message struct {
	TaskID          uuid.UUID     `json:"task_id"`
	AppointmentID   uuid.UUID     `json:"appointment_id"`
	Kind            reminder.Kind `json:"kind"`
	AppointmentType string        `json:"appointment_type"`
	PatientRef      string        `json:"patient_ref"`
	DueAt           time.Time     `json:"due_at"`
	Subject         string        `json:"subject"`
	Body            string        `json:"body"`
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable reminder text.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Template ids used for each reminder kind.
const (
	TemplateAppointmentReminder = "appointment-reminder"
	TemplateFollowUpPrompt      = "follow-up-prompt"
)

var templateForKind = map[reminder.Kind]string{
	reminder.KindPreVisit: TemplateAppointmentReminder,
	reminder.KindFollowUp: TemplateFollowUpPrompt,
}

// TemplateEngine manages reminder templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateAppointmentReminder,
			Name:    "Appointment Reminder",
			Subject: "Reminder: your {{appointment_type}} appointment",
			Body:    "Patient {{patient_ref}}, this is a reminder of your {{appointment_type}} appointment (ref {{appointment_id}}). Please arrive 10 minutes early.",
		},
		{
			ID:      TemplateFollowUpPrompt,
			Name:    "Follow-up Prompt",
			Subject: "Time to book your follow-up",
			Body:    "Patient {{patient_ref}}, your care team asked for a follow-up after your {{appointment_type}} (ref {{appointment_id}}). Please book a visit.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// MessageFor renders the template matching the task kind.
func (e *TemplateEngine) MessageFor(t reminder.Task) (Message, error) {
	id, ok := templateForKind[t.Kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for reminder kind %q", t.Kind)
	}
	subject, body, err := e.Render(id, map[string]string{
		"patient_ref":      t.PatientRef,
		"appointment_type": strings.ReplaceAll(t.AppointmentType, "_", "-"),
		"appointment_id":   t.AppointmentID.String(),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		TaskID:          t.ID,
		AppointmentID:   t.AppointmentID,
		Kind:            t.Kind,
		AppointmentType: t.AppointmentType,
		PatientRef:      t.PatientRef,
		DueAt:           t.DueAt,
		Subject:         subject,
		Body:            body,
	}, nil
}
