package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
)

// ConsultationRepository persists consultations. The unique constraint on
// appointment_id is the idempotency guard for Start: of N concurrent starts
// for one appointment exactly one insert commits, the rest fail with 23505.
type ConsultationRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewConsultationRepository(pool *db.Pool, outboxRepo *outbox.Repository) *ConsultationRepository {
	return &ConsultationRepository{pool: pool, outbox: outboxRepo}
}

const consultationColumns = `
	id, appointment_id, patient_id, doctor_id, status, start_time, end_time,
	chief_complaint, COALESCE(diagnosis, ''), COALESCE(treatment, ''),
	COALESCE(notes, ''), COALESCE(follow_up_instructions, ''), created_at, updated_at`

func scanConsultation(row pgx.Row) (model.Consultation, error) {
	var c model.Consultation
	err := row.Scan(
		&c.ID,
		&c.AppointmentID,
		&c.PatientID,
		&c.DoctorID,
		&c.Status,
		&c.StartTime,
		&c.EndTime,
		&c.ChiefComplaint,
		&c.Diagnosis,
		&c.Treatment,
		&c.Notes,
		&c.FollowUpInstructions,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return model.Consultation{}, err
	}
	return c, nil
}

func (r *ConsultationRepository) CreateConsultation(ctx context.Context, c *model.Consultation, evt outbox.Event) error {
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO consultations
				(id, appointment_id, patient_id, doctor_id, status, start_time, chief_complaint, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, c.ID, c.AppointmentID, c.PatientID, c.DoctorID, c.Status, c.StartTime, c.ChiefComplaint, c.CreatedAt)
		if err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
	if isUniqueViolation(err) {
		return fault.New(fault.DuplicateOperation, "consultation already exists for appointment %s", c.AppointmentID)
	}
	return err
}

func (r *ConsultationRepository) GetConsultation(ctx context.Context, id string) (model.Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE id = $1
	`, id))
	if isNoRows(err) {
		return model.Consultation{}, fault.New(fault.NotFound, "consultation %s not found", id)
	}
	return c, err
}

func (r *ConsultationRepository) GetConsultationByAppointment(ctx context.Context, appointmentID string) (model.Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE appointment_id = $1
	`, appointmentID))
	if isNoRows(err) {
		return model.Consultation{}, fault.New(fault.NotFound, "no consultation for appointment %s", appointmentID)
	}
	return c, err
}

func (r *ConsultationRepository) UpdateConsultation(ctx context.Context, c *model.Consultation, evt outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE consultations
			SET status = $2,
				end_time = $3,
				diagnosis = $4,
				treatment = $5,
				notes = $6,
				follow_up_instructions = $7,
				updated_at = $8
			WHERE id = $1
		`, c.ID, c.Status, c.EndTime, c.Diagnosis, c.Treatment, c.Notes, c.FollowUpInstructions, c.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.NotFound, "consultation %s not found", c.ID)
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
}

func (r *ConsultationRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Consultation, error) {
	return r.list(ctx, "patient_id", patientID, limit)
}

func (r *ConsultationRepository) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Consultation, error) {
	return r.list(ctx, "doctor_id", doctorID, limit)
}

func (r *ConsultationRepository) list(ctx context.Context, column, id string, limit int) ([]model.Consultation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE `+column+` = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var consults []model.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		consults = append(consults, c)
	}
	return consults, rows.Err()
}
