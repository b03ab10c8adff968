package storage

import (
	"context"

	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
)

// ConsultationMirror caches consultations owned by encounter-service,
// fed from its Kafka events. The prescribing gate reads it first and only
// falls back to a synchronous lookup on a miss.
type ConsultationMirror struct {
	pool *db.Pool
}

func NewConsultationMirror(pool *db.Pool) *ConsultationMirror {
	return &ConsultationMirror{pool: pool}
}

func (m *ConsultationMirror) Upsert(ctx context.Context, ref model.ConsultationRef) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO consultations_mirror (id, patient_id, doctor_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE consultations_mirror.updated_at <= EXCLUDED.updated_at
	`, ref.ID, ref.PatientID, ref.DoctorID, ref.Status, ref.UpdatedAt)
	return err
}

func (m *ConsultationMirror) Get(ctx context.Context, id string) (model.ConsultationRef, error) {
	var ref model.ConsultationRef
	err := m.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, status, updated_at
		FROM consultations_mirror
		WHERE id = $1
	`, id).Scan(&ref.ID, &ref.PatientID, &ref.DoctorID, &ref.Status, &ref.UpdatedAt)
	if isNoRows(err) {
		return model.ConsultationRef{}, fault.New(fault.NotFound, "consultation %s not in mirror", id)
	}
	return ref, err
}
