package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/telemedcore/encounter/libs/db"
)

// CascadeTask records an appointment whose completion cascade failed after
// its consultation committed. The reconciler retries these until the
// appointment store accepts the write.
type CascadeTask struct {
	ID             int64
	AppointmentID  string
	ConsultationID string
	Attempts       int
	NextRunAt      time.Time
}

type CascadeRepository struct {
	pool *db.Pool
}

func NewCascadeRepository(pool *db.Pool) *CascadeRepository {
	return &CascadeRepository{pool: pool}
}

func (r *CascadeRepository) Enqueue(ctx context.Context, appointmentID, consultationID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_cascades (appointment_id, consultation_id)
		VALUES ($1, $2)
		ON CONFLICT (appointment_id) DO NOTHING
	`, appointmentID, consultationID)
	return err
}

func (r *CascadeRepository) FetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]CascadeTask, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, appointment_id, consultation_id, attempts, next_run_at
		FROM appointment_cascades
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []CascadeTask
	for rows.Next() {
		var t CascadeTask
		if err := rows.Scan(&t.ID, &t.AppointmentID, &t.ConsultationID, &t.Attempts, &t.NextRunAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *CascadeRepository) MarkDone(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointment_cascades
		SET status = 'done', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *CascadeRepository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, nextRunAt time.Time, lastError string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointment_cascades
		SET attempts = $2,
		    next_run_at = $3,
		    last_error = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, nextRunAt, lastError)
	return err
}
