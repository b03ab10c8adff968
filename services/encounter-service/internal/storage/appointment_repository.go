package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
	"github.com/telemedcore/encounter/services/encounter-service/internal/scheduling"
)

// AppointmentRepository persists appointments. The appointments table
// carries an exclusion constraint on (doctor_id, tstzrange(start_time,
// end_time)) filtered to non-terminal statuses; it is the storage-enforced
// answer to the check-then-act booking race: of N concurrent overlapping
// writes exactly one commits, the rest fail with 23P01.
type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

const appointmentColumns = `
	id, patient_id, doctor_id, start_time, end_time, duration_minutes,
	status, reason, COALESCE(notes, ''), COALESCE(cancellation_reason, ''),
	created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var end time.Time
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.StartTime,
		&end,
		&a.DurationMinutes,
		&a.Status,
		&a.Reason,
		&a.Notes,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	return a, nil
}

func (r *AppointmentRepository) Create(ctx context.Context, appt *model.Appointment, evt outbox.Event) error {
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments
				(id, patient_id, doctor_id, start_time, end_time, duration_minutes, status, reason, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		`, appt.ID, appt.PatientID, appt.DoctorID, appt.StartTime, appt.EndTime(), appt.DurationMinutes,
			appt.Status, appt.Reason, appt.Notes, appt.CreatedAt)
		if err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
	if isExclusionViolation(err) {
		return fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", appt.DoctorID)
	}
	return err
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if isNoRows(err) {
		return model.Appointment{}, fault.New(fault.NotFound, "appointment %s not found", id)
	}
	return appt, err
}

// Update rewrites the mutable fields. A reschedule moving the window onto a
// booked slot trips the exclusion constraint here as the final backstop.
func (r *AppointmentRepository) Update(ctx context.Context, appt *model.Appointment, evt outbox.Event) error {
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET start_time = $2,
				end_time = $3,
				status = $4,
				notes = $5,
				cancellation_reason = $6,
				updated_at = $7
			WHERE id = $1
		`, appt.ID, appt.StartTime, appt.EndTime(), appt.Status, appt.Notes, appt.CancellationReason, appt.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.NotFound, "appointment %s not found", appt.ID)
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
	if isExclusionViolation(err) {
		return fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", appt.DoctorID)
	}
	return err
}

// BookedWindows implements scheduling.Calendar over non-terminal
// appointments intersecting [from, to).
func (r *AppointmentRepository) BookedWindows(ctx context.Context, doctorID string, from, to time.Time, excludeID string) ([]scheduling.Interval, error) {
	query, args := bookedWindowsQuery(doctorID, from, to, excludeID)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []scheduling.Interval
	for rows.Next() {
		var w scheduling.Interval
		if err := rows.Scan(&w.Start, &w.End); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// bookedWindowsQuery omits the exclusion clause when there is no id to
// exclude. Binding '' against the uuid id column fails at the server, and
// a guard like ($4 = '' OR ...) cannot save it: the parameter still gets
// coerced when the plan is built.
func bookedWindowsQuery(doctorID string, from, to time.Time, excludeID string) (string, []any) {
	query := `
		SELECT start_time, end_time
		FROM appointments
		WHERE doctor_id = $1
			AND status NOT IN ('cancelled', 'completed')
			AND start_time < $3
			AND end_time > $2`
	args := []any{doctorID, from, to}
	if excludeID != "" {
		query += `
			AND id <> $4`
		args = append(args, excludeID)
	}
	query += `
		ORDER BY start_time`
	return query, args
}

// CompleteAppointment is the cascade write triggered by consultation
// completion. It is idempotent: an already-completed appointment is a
// success and emits no second event.
func (r *AppointmentRepository) CompleteAppointment(ctx context.Context, id string, evt outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = 'completed', updated_at = now()
			WHERE id = $1 AND status <> 'completed'
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fault.New(fault.NotFound, "appointment %s not found", id)
			}
			return nil
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, "patient_id", patientID, limit)
}

func (r *AppointmentRepository) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, "doctor_id", doctorID, limit)
}

func (r *AppointmentRepository) list(ctx context.Context, column, id string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}
