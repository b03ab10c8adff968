// Package reconcile retries appointment completion cascades that failed
// after their consultation committed, until the appointment store accepts
// the write.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/telemedcore/encounter/libs/db"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
	"github.com/telemedcore/encounter/services/encounter-service/internal/storage"
)

// AppointmentCompleter is the cascade write. Implemented by
// storage.AppointmentRepository.
type AppointmentCompleter interface {
	CompleteAppointment(ctx context.Context, id string, evt outbox.Event) error
}

type Reconciler struct {
	pool      *db.Pool
	cascades  *storage.CascadeRepository
	appts     AppointmentCompleter
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewReconciler(pool *db.Pool, cascades *storage.CascadeRepository, appts AppointmentCompleter, logger *slog.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	return &Reconciler{
		pool:      pool,
		cascades:  cascades,
		appts:     appts,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.logger.Error("cascade reconciliation batch failed", "err", err)
			}
		}
	}
}

func (r *Reconciler) processBatch(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tasks, err := r.cascades.FetchPending(ctx, tx, r.batchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return tx.Commit(ctx)
	}

	for _, task := range tasks {
		evt, err := cascadeEvent(task.AppointmentID, task.ConsultationID)
		if err != nil {
			return err
		}
		err = r.appts.CompleteAppointment(ctx, task.AppointmentID, evt)
		switch {
		case err == nil, fault.Is(err, fault.NotFound):
			// NotFound means the appointment is gone; retrying cannot help.
			if err != nil {
				r.logger.Warn("cascade target missing, dropping task",
					"appointment_id", task.AppointmentID)
			}
			if err := r.cascades.MarkDone(ctx, tx, task.ID); err != nil {
				return err
			}
		default:
			nextRunAt := time.Now().UTC().Add(r.backoff)
			if err := r.cascades.MarkFailed(ctx, tx, task.ID, task.Attempts+1, nextRunAt, err.Error()); err != nil {
				return err
			}
			r.logger.Warn("cascade retry failed",
				"appointment_id", task.AppointmentID, "attempts", task.Attempts+1, "err", err)
		}
	}

	return tx.Commit(ctx)
}

func cascadeEvent(appointmentID, consultationID string) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id":  appointmentID,
		"consultation_id": consultationID,
		"status":          string(model.AppointmentCompleted),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     outbox.EventAppointmentCompleted,
		Payload:       payload,
	}, nil
}
