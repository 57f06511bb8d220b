package reminder

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const taskCols = `id, appointment_id, kind, due_at, fired, fired_at, invalidated, appointment_type, patient_ref, created_at`

func (r *storePG) scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.AppointmentID, &t.Kind, &t.DueAt, &t.Fired, &t.FiredAt,
		&t.Invalidated, &t.AppointmentType, &t.PatientRef, &t.CreatedAt)
	return t, err
}

// Save upserts a task. Fired and invalidated are sticky: a stale write
// cannot clear them.
func (r *storePG) Save(ctx context.Context, t Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reminder_task (`+taskCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			fired = reminder_task.fired OR EXCLUDED.fired,
			fired_at = COALESCE(reminder_task.fired_at, EXCLUDED.fired_at),
			invalidated = reminder_task.invalidated OR EXCLUDED.invalidated`,
		t.ID, t.AppointmentID, t.Kind, t.DueAt, t.Fired, t.FiredAt,
		t.Invalidated, t.AppointmentType, t.PatientRef, t.CreatedAt)
	return err
}

func (r *storePG) List(ctx context.Context) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskCols+` FROM reminder_task ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
