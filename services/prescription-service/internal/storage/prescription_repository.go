package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
	"github.com/telemedcore/encounter/services/prescription-service/internal/outbox"
)

type PrescriptionRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPrescriptionRepository(pool *db.Pool, outboxRepo *outbox.Repository) *PrescriptionRepository {
	return &PrescriptionRepository{pool: pool, outbox: outboxRepo}
}

const prescriptionColumns = `
	id, consultation_id, patient_id, doctor_id, status, prescription_date,
	valid_until, diagnosis, COALESCE(general_instructions, ''), medications,
	COALESCE(cancellation_reason, ''), created_at, updated_at`

func scanPrescription(row pgx.Row) (model.Prescription, error) {
	var p model.Prescription
	var meds []byte
	err := row.Scan(
		&p.ID,
		&p.ConsultationID,
		&p.PatientID,
		&p.DoctorID,
		&p.Status,
		&p.PrescriptionDate,
		&p.ValidUntil,
		&p.Diagnosis,
		&p.GeneralInstructions,
		&meds,
		&p.CancellationReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Prescription{}, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return model.Prescription{}, err
	}
	return p, nil
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *model.Prescription, evt outbox.Event) error {
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return err
	}
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions
				(id, consultation_id, patient_id, doctor_id, status, prescription_date,
				 valid_until, diagnosis, general_instructions, medications, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		`, p.ID, p.ConsultationID, p.PatientID, p.DoctorID, p.Status, p.PrescriptionDate,
			p.ValidUntil, p.Diagnosis, p.GeneralInstructions, meds, p.CreatedAt)
		if err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
}

func (r *PrescriptionRepository) Get(ctx context.Context, id string) (model.Prescription, error) {
	p, err := scanPrescription(r.pool.QueryRow(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE id = $1
	`, id))
	if isNoRows(err) {
		return model.Prescription{}, fault.New(fault.NotFound, "prescription %s not found", id)
	}
	return p, err
}

func (r *PrescriptionRepository) Update(ctx context.Context, p *model.Prescription, evt outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions
			SET status = $2,
				cancellation_reason = $3,
				updated_at = $4
			WHERE id = $1
		`, p.ID, p.Status, p.CancellationReason, p.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fault.New(fault.NotFound, "prescription %s not found", p.ID)
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
}

// ExpireActiveBefore flips every active prescription whose validity lapsed
// before asOf to expired and returns the affected ids. Safe to re-run: rows
// already expired do not match the predicate.
func (r *PrescriptionRepository) ExpireActiveBefore(ctx context.Context, asOf time.Time, eventFor func(id string) (outbox.Event, error)) ([]string, error) {
	var expired []string
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE prescriptions
			SET status = 'expired', updated_at = now()
			WHERE status = 'active' AND valid_until < $1
			RETURNING id
		`, asOf)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			expired = append(expired, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range expired {
			evt, err := eventFor(id)
			if err != nil {
				return err
			}
			if err := r.outbox.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *PrescriptionRepository) ListByConsultation(ctx context.Context, consultationID string, limit int) ([]model.Prescription, error) {
	return r.list(ctx, "consultation_id", consultationID, limit)
}

func (r *PrescriptionRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Prescription, error) {
	return r.list(ctx, "patient_id", patientID, limit)
}

func (r *PrescriptionRepository) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Prescription, error) {
	return r.list(ctx, "doctor_id", doctorID, limit)
}

func (r *PrescriptionRepository) list(ctx context.Context, column, id string, limit int) ([]model.Prescription, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE `+column+` = $1
		ORDER BY prescription_date DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
