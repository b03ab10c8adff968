// Package gate verifies that a consultation exists before a prescription is
// issued. The event-fed mirror answers first; on a mirror miss the gate asks
// encounter-service directly so a fresh consultation is not rejected just
// because its event has not arrived yet.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/encounterapi"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
)

type MirrorStore interface {
	Get(ctx context.Context, id string) (model.ConsultationRef, error)
	Upsert(ctx context.Context, ref model.ConsultationRef) error
}

type EncounterClient interface {
	GetConsultation(ctx context.Context, id string) (encounterapi.Consultation, error)
}

type Gate struct {
	mirror MirrorStore
	client EncounterClient
	logger *slog.Logger
}

func New(mirror MirrorStore, client EncounterClient, logger *slog.Logger) *Gate {
	return &Gate{mirror: mirror, client: client, logger: logger}
}

// Verify returns the consultation the prescription refers to.
// Unknown consultation is PreconditionFailed; an unanswered lookup is
// DependencyUnavailable, never a pass.
func (g *Gate) Verify(ctx context.Context, consultationID string) (model.ConsultationRef, error) {
	ref, err := g.mirror.Get(ctx, consultationID)
	if err == nil {
		return ref, nil
	}
	if !fault.Is(err, fault.NotFound) {
		return model.ConsultationRef{}, fault.Wrap(fault.DependencyUnavailable, "consultation mirror lookup failed", err)
	}

	remote, err := g.client.GetConsultation(ctx, consultationID)
	switch {
	case err == nil:
	case fault.Is(err, fault.NotFound):
		return model.ConsultationRef{}, fault.New(fault.PreconditionFailed, "consultation %s does not exist", consultationID)
	case fault.Is(err, fault.DependencyUnavailable):
		return model.ConsultationRef{}, err
	default:
		return model.ConsultationRef{}, fault.Wrap(fault.DependencyUnavailable, "consultation lookup failed", err)
	}

	ref = model.ConsultationRef{
		ID:        remote.ID,
		PatientID: remote.PatientID,
		DoctorID:  remote.DoctorID,
		Status:    remote.Status,
		UpdatedAt: time.Now().UTC(),
	}
	// Warm the mirror so the next check is local. Best effort.
	if err := g.mirror.Upsert(ctx, ref); err != nil {
		g.logger.Warn("mirror warm failed", "consultation_id", consultationID, "err", err)
	}
	return ref, nil
}
