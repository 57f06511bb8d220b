// Package audit records scheduling state transitions. Recording is
// best-effort from the caller's side: a failed Record never undoes the
// transition it describes.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event describes one committed appointment transition.
type Event struct {
	ID            uuid.UUID   `json:"id"`
	AppointmentID uuid.UUID   `json:"appointment_id"`
	Action        string      `json:"action"`
	FromStatus    string      `json:"from_status,omitempty"`
	ToStatus      string      `json:"to_status"`
	Actor         string      `json:"actor"`
	PatientRef    string      `json:"patient_ref,omitempty"`
	ResourceIDs   []uuid.UUID `json:"resource_ids,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, evt Event) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, evt Event) error

func (f RecorderFunc) Record(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Multi fans an event out to every recorder. All recorders are attempted;
// the joined error reports each failure.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, evt Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(context.Context, Event) error { return nil })
