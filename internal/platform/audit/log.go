package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, evt Event) error {
	ids := make([]string, 0, len(evt.ResourceIDs))
	for _, id := range evt.ResourceIDs {
		ids = append(ids, id.String())
	}
	r.logger.Info().
		Str("type", "schedule_audit").
		Str("appointment_id", evt.AppointmentID.String()).
		Str("action", evt.Action).
		Str("from", evt.FromStatus).
		Str("to", evt.ToStatus).
		Str("actor", evt.Actor).
		Str("patient_ref", evt.PatientRef).
		Strs("resource_ids", ids).
		Str("reason", evt.Reason).
		Time("at", evt.Timestamp).
		Msg("appointment_transition")
	return nil
}
