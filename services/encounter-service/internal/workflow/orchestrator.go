// Package workflow sequences the appointment and consultation lifecycles
// with the notification dispatcher and the user registry. Clinical state is
// authoritative: once a lifecycle transition commits, nothing downstream
// (profile lookup, notification send, cascade) rolls it back. Collaborator
// failures surface as warnings on the response.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/telemedcore/encounter/services/encounter-service/internal/appointment"
	"github.com/telemedcore/encounter/services/encounter-service/internal/consultation"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/notify"
	"github.com/telemedcore/encounter/services/encounter-service/internal/registry"
)

type Orchestrator struct {
	appointments  *appointment.Service
	consultations *consultation.Service
	notifier      notify.Client
	registry      registry.Provider
	logger        *slog.Logger
}

func NewOrchestrator(
	appointments *appointment.Service,
	consultations *consultation.Service,
	notifier notify.Client,
	reg registry.Provider,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		appointments:  appointments,
		consultations: consultations,
		notifier:      notifier,
		registry:      reg,
		logger:        logger,
	}
}

func (o *Orchestrator) BookAppointment(ctx context.Context, patientID, doctorID string, start time.Time, durationMinutes int, reason, notes string) (model.Appointment, []string, error) {
	appt, err := o.appointments.Create(ctx, patientID, doctorID, start, durationMinutes, reason, notes)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	warnings := o.notifyAppointment(ctx, &appt, notify.TemplateAppointmentRequested, appt.DoctorID)
	return appt, warnings, nil
}

func (o *Orchestrator) ConfirmAppointment(ctx context.Context, id string) (model.Appointment, []string, error) {
	appt, err := o.appointments.Confirm(ctx, id)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	warnings := o.notifyAppointment(ctx, &appt, notify.TemplateAppointmentConfirmed, appt.PatientID)
	return appt, warnings, nil
}

func (o *Orchestrator) CancelAppointment(ctx context.Context, id, reason string) (model.Appointment, []string, error) {
	appt, err := o.appointments.Cancel(ctx, id, reason)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	// Both sides hear about a cancellation.
	warnings := o.notifyAppointment(ctx, &appt, notify.TemplateAppointmentCancelled, appt.PatientID, appt.DoctorID)
	return appt, warnings, nil
}

func (o *Orchestrator) RescheduleAppointment(ctx context.Context, id string, newStart time.Time) (model.Appointment, []string, error) {
	appt, err := o.appointments.Reschedule(ctx, id, newStart)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	warnings := o.notifyAppointment(ctx, &appt, notify.TemplateAppointmentRescheduled, appt.PatientID, appt.DoctorID)
	return appt, warnings, nil
}

func (o *Orchestrator) StartConsultation(ctx context.Context, appointmentID, chiefComplaint string) (model.Consultation, []string, error) {
	c, err := o.consultations.Start(ctx, appointmentID, chiefComplaint)
	if err != nil {
		return model.Consultation{}, nil, err
	}
	warnings := o.notifyConsultation(ctx, &c, notify.TemplateConsultationStarted, c.PatientID)
	return c, warnings, nil
}

func (o *Orchestrator) CompleteConsultation(ctx context.Context, id, diagnosis, treatment, notes, followUp string) (model.Consultation, []string, error) {
	res, err := o.consultations.Complete(ctx, id, diagnosis, treatment, notes, followUp)
	if err != nil {
		return model.Consultation{}, nil, err
	}
	var warnings []string
	if res.CascadePending {
		warnings = append(warnings, "appointment completion is pending reconciliation")
	}
	warnings = append(warnings, o.notifyConsultation(ctx, &res.Consultation, notify.TemplateConsultationCompleted, res.Consultation.PatientID)...)
	return res.Consultation, warnings, nil
}

func (o *Orchestrator) notifyAppointment(ctx context.Context, appt *model.Appointment, template string, recipients ...string) []string {
	payload := map[string]string{
		"appointment_id": appt.ID,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"status":         string(appt.Status),
	}
	return o.send(ctx, template, payload, recipients)
}

func (o *Orchestrator) notifyConsultation(ctx context.Context, c *model.Consultation, template string, recipients ...string) []string {
	payload := map[string]string{
		"consultation_id": c.ID,
		"appointment_id":  c.AppointmentID,
		"status":          string(c.Status),
	}
	return o.send(ctx, template, payload, recipients)
}

// send resolves each recipient's profile to personalize the payload, then
// fires the dispatcher. Every failure is logged and reported as a warning.
func (o *Orchestrator) send(ctx context.Context, template string, payload map[string]string, recipients []string) []string {
	var warnings []string
	for _, userID := range recipients {
		body := make(map[string]string, len(payload)+1)
		for k, v := range payload {
			body[k] = v
		}
		profile, err := o.registry.GetProfile(ctx, userID)
		if err != nil {
			o.logger.Warn("profile lookup failed, sending generic notification",
				"user_id", userID, "template", template, "err", err)
			warnings = append(warnings, "profile lookup failed for "+userID)
		} else {
			body["recipient_name"] = profile.Name
		}
		if err := o.notifier.Send(ctx, userID, template, body); err != nil {
			o.logger.Warn("notification send failed",
				"user_id", userID, "template", template, "err", err)
			warnings = append(warnings, "notification to "+userID+" failed")
		}
	}
	return warnings
}
