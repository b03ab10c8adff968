package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/telemedcore/encounter/libs/auth"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/services/encounter-service/internal/appointment"
	"github.com/telemedcore/encounter/services/encounter-service/internal/consultation"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/workflow"
)

type ConsultationHandler struct {
	orch     *workflow.Orchestrator
	consults *consultation.Service
	appts    *appointment.Service
	logger   *slog.Logger
}

func NewConsultationHandler(orch *workflow.Orchestrator, consults *consultation.Service, appts *appointment.Service, logger *slog.Logger) *ConsultationHandler {
	return &ConsultationHandler{orch: orch, consults: consults, appts: appts, logger: logger}
}

type consultationResponse struct {
	ID                   string   `json:"id"`
	AppointmentID        string   `json:"appointment_id"`
	PatientID            string   `json:"patient_id"`
	DoctorID             string   `json:"doctor_id"`
	Status               string   `json:"status"`
	StartTime            string   `json:"start_time"`
	EndTime              string   `json:"end_time,omitempty"`
	ChiefComplaint       string   `json:"chief_complaint"`
	Diagnosis            string   `json:"diagnosis,omitempty"`
	Treatment            string   `json:"treatment,omitempty"`
	Notes                string   `json:"notes,omitempty"`
	FollowUpInstructions string   `json:"follow_up_instructions,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
}

func toConsultationResponse(c model.Consultation, warnings []string) consultationResponse {
	resp := consultationResponse{
		ID:                   c.ID,
		AppointmentID:        c.AppointmentID,
		PatientID:            c.PatientID,
		DoctorID:             c.DoctorID,
		Status:               string(c.Status),
		StartTime:            c.StartTime.UTC().Format(time.RFC3339),
		ChiefComplaint:       c.ChiefComplaint,
		Diagnosis:            c.Diagnosis,
		Treatment:            c.Treatment,
		Notes:                c.Notes,
		FollowUpInstructions: c.FollowUpInstructions,
		Warnings:             warnings,
	}
	if c.EndTime != nil {
		resp.EndTime = c.EndTime.UTC().Format(time.RFC3339)
	}
	return resp
}

type startConsultationRequest struct {
	AppointmentID  string `json:"appointment_id"`
	ChiefComplaint string `json:"chief_complaint"`
}

func (h *ConsultationHandler) Start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var req startConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}
	if !h.authorizeTreatingDoctorByAppointment(w, r, claims, req.AppointmentID) {
		return
	}

	c, warnings, err := h.orch.StartConsultation(r.Context(), req.AppointmentID, req.ChiefComplaint)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConsultationResponse(c, warnings))
}

type completeConsultationRequest struct {
	ConsultationID       string `json:"consultation_id"`
	Diagnosis            string `json:"diagnosis"`
	Treatment            string `json:"treatment"`
	Notes                string `json:"notes"`
	FollowUpInstructions string `json:"follow_up_instructions"`
}

func (h *ConsultationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var req completeConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ConsultationID = strings.TrimSpace(req.ConsultationID)
	if req.ConsultationID == "" {
		http.Error(w, "consultation_id is required", http.StatusBadRequest)
		return
	}
	if !h.authorizeTreatingDoctor(w, r, claims, req.ConsultationID) {
		return
	}

	c, warnings, err := h.orch.CompleteConsultation(r.Context(), req.ConsultationID, req.Diagnosis, req.Treatment, req.Notes, req.FollowUpInstructions)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsultationResponse(c, warnings))
}

type consultationActionRequest struct {
	ConsultationID string `json:"consultation_id"`
	Notes          string `json:"notes"`
	Reason         string `json:"reason"`
}

func (h *ConsultationHandler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(req consultationActionRequest) (model.Consultation, error) {
		return h.consults.UpdateNotes(r.Context(), req.ConsultationID, req.Notes)
	})
}

func (h *ConsultationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(req consultationActionRequest) (model.Consultation, error) {
		return h.consults.Cancel(r.Context(), req.ConsultationID, req.Reason)
	})
}

func (h *ConsultationHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(req consultationActionRequest) (model.Consultation, error) {
		return h.consults.MarkNoShow(r.Context(), req.ConsultationID)
	})
}

func (h *ConsultationHandler) action(w http.ResponseWriter, r *http.Request, fn func(consultationActionRequest) (model.Consultation, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var req consultationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ConsultationID = strings.TrimSpace(req.ConsultationID)
	if req.ConsultationID == "" {
		http.Error(w, "consultation_id is required", http.StatusBadRequest)
		return
	}
	if !h.authorizeTreatingDoctor(w, r, claims, req.ConsultationID) {
		return
	}

	c, err := fn(req)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsultationResponse(c, nil))
}

func (h *ConsultationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var (
		c   model.Consultation
		err error
	)
	if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
		c, err = h.consults.Get(r.Context(), id)
	} else if apptID := strings.TrimSpace(r.URL.Query().Get("appointment_id")); apptID != "" {
		c, err = h.consults.GetByAppointment(r.Context(), apptID)
	} else {
		http.Error(w, "id or appointment_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	if !participant(claims, c.PatientID, c.DoctorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toConsultationResponse(c, nil))
}

func (h *ConsultationHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var (
		consults []model.Consultation
		err      error
	)
	switch claims.Role {
	case auth.RolePatient:
		consults, err = h.consults.ListByPatient(r.Context(), claims.Sub, 0)
	case auth.RoleDoctor:
		consults, err = h.consults.ListByDoctor(r.Context(), claims.Sub, 0)
	default:
		if patientID := strings.TrimSpace(r.URL.Query().Get("patient_id")); patientID != "" {
			consults, err = h.consults.ListByPatient(r.Context(), patientID, 0)
		} else if doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id")); doctorID != "" {
			consults, err = h.consults.ListByDoctor(r.Context(), doctorID, 0)
		} else {
			http.Error(w, "patient_id or doctor_id is required", http.StatusBadRequest)
			return
		}
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	out := make([]consultationResponse, 0, len(consults))
	for _, c := range consults {
		out = append(out, toConsultationResponse(c, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": out})
}

func (h *ConsultationHandler) authorizeTreatingDoctor(w http.ResponseWriter, r *http.Request, claims *auth.Claims, consultationID string) bool {
	if claims.Role == auth.RoleAdmin {
		return true
	}
	c, err := h.consults.Get(r.Context(), consultationID)
	if err != nil {
		writeFault(w, err)
		return false
	}
	if c.DoctorID != claims.Sub {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *ConsultationHandler) authorizeTreatingDoctorByAppointment(w http.ResponseWriter, r *http.Request, claims *auth.Claims, appointmentID string) bool {
	if claims.Role == auth.RoleAdmin {
		return true
	}
	appt, err := h.appts.Get(r.Context(), appointmentID)
	if err != nil {
		writeFault(w, err)
		return false
	}
	if appt.DoctorID != claims.Sub {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}
