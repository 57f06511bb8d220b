package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrSchedulingConflict  = errors.New("scheduling conflict")
	ErrOutsideAvailability = errors.New("outside resource availability")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrNotFound            = errors.New("appointment not found")
	ErrBusy                = errors.New("resources busy, retry later")
	ErrInvalidTimeRange    = errors.New("invalid time range")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Conflict names an existing booking that overlaps a proposed range.
type Conflict struct {
	ResourceID    uuid.UUID `json:"resource_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

// ConflictError carries every conflicting pair. It matches
// ErrSchedulingConflict under errors.Is.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("resource %s booked by %s", c.ResourceID, c.AppointmentID))
	}
	return fmt.Sprintf("%s: %s", ErrSchedulingConflict, strings.Join(parts, "; "))
}

func (e *ConflictError) Unwrap() error { return ErrSchedulingConflict }
