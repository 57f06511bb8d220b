package scheduling

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type journalPG struct{ pool *pgxpool.Pool }

func NewJournalPG(pool *pgxpool.Pool) Journal { return &journalPG{pool: pool} }

const apptCols = `id, patient_ref, resource_ids, start_at, end_at, type, status, parent_id,
	cancellation_reason, notes_ref, follow_up_requested, created_at, updated_at, created_by, updated_by, version`

func (r *journalPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientRef, &a.ResourceIDs, &a.Start, &a.End, &a.Type, &a.Status, &a.ParentID,
		&a.CancellationReason, &a.NotesRef, &a.FollowUpRequested, &a.CreatedAt, &a.UpdatedAt,
		&a.CreatedBy, &a.UpdatedBy, &a.Version)
	return &a, err
}

// SaveAppointment upserts the row unless the stored version is newer.
// Writes happen after the in-memory commit, so two saves of the same
// appointment may arrive out of order.
func (r *journalPG) SaveAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment (`+apptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at, status = EXCLUDED.status,
			cancellation_reason = EXCLUDED.cancellation_reason, notes_ref = EXCLUDED.notes_ref,
			follow_up_requested = EXCLUDED.follow_up_requested, updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by, version = EXCLUDED.version
		WHERE appointment.version < EXCLUDED.version`,
		a.ID, a.PatientRef, a.ResourceIDs, a.Start, a.End, a.Type, a.Status, a.ParentID,
		a.CancellationReason, a.NotesRef, a.FollowUpRequested, a.CreatedAt, a.UpdatedAt,
		a.CreatedBy, a.UpdatedBy, a.Version)
	return err
}

func (r *journalPG) ListAppointments(ctx context.Context) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+apptCols+` FROM appointment ORDER BY start_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
