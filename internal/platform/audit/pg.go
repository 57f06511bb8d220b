package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRecorder appends events to the schedule_audit table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) Record(ctx context.Context, evt Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedule_audit (id, appointment_id, action, from_status, to_status, actor,
			patient_ref, resource_ids, reason, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		evt.ID, evt.AppointmentID, evt.Action, evt.FromStatus, evt.ToStatus, evt.Actor,
		evt.PatientRef, evt.ResourceIDs, evt.Reason, evt.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
