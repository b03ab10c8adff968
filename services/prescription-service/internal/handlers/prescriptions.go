package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/telemedcore/encounter/libs/auth"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
	"github.com/telemedcore/encounter/services/prescription-service/internal/prescription"
)

type PrescriptionHandler struct {
	svc    *prescription.Service
	logger *slog.Logger
}

func NewPrescriptionHandler(svc *prescription.Service, logger *slog.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{svc: svc, logger: logger}
}

type medicationPayload struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	DurationDays int    `json:"duration_days"`
	Instructions string `json:"instructions"`
	SideEffects  string `json:"side_effects"`
}

type prescriptionResponse struct {
	ID                  string              `json:"id"`
	ConsultationID      string              `json:"consultation_id"`
	PatientID           string              `json:"patient_id"`
	DoctorID            string              `json:"doctor_id"`
	Status              string              `json:"status"`
	PrescriptionDate    string              `json:"prescription_date"`
	ValidUntil          string              `json:"valid_until"`
	Diagnosis           string              `json:"diagnosis"`
	GeneralInstructions string              `json:"general_instructions,omitempty"`
	Medications         []medicationPayload `json:"medications"`
	CancellationReason  string              `json:"cancellation_reason,omitempty"`
}

func toPrescriptionResponse(p model.Prescription) prescriptionResponse {
	meds := make([]medicationPayload, 0, len(p.Medications))
	for _, m := range p.Medications {
		meds = append(meds, medicationPayload{
			Name:         m.Name,
			Dosage:       m.Dosage,
			Frequency:    m.Frequency,
			DurationDays: m.DurationDays,
			Instructions: m.Instructions,
			SideEffects:  m.SideEffects,
		})
	}
	return prescriptionResponse{
		ID:                  p.ID,
		ConsultationID:      p.ConsultationID,
		PatientID:           p.PatientID,
		DoctorID:            p.DoctorID,
		Status:              string(p.Status),
		PrescriptionDate:    p.PrescriptionDate.UTC().Format(time.RFC3339),
		ValidUntil:          p.ValidUntil.UTC().Format(time.RFC3339),
		Diagnosis:           p.Diagnosis,
		GeneralInstructions: p.GeneralInstructions,
		Medications:         meds,
		CancellationReason:  p.CancellationReason,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), fault.HTTPStatus(err))
}

type createPrescriptionRequest struct {
	ConsultationID      string              `json:"consultation_id"`
	PatientID           string              `json:"patient_id"`
	Diagnosis           string              `json:"diagnosis"`
	GeneralInstructions string              `json:"general_instructions"`
	Medications         []medicationPayload `json:"medications"`
	ValidUntil          string              `json:"valid_until"`
}

func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor)
	if !ok {
		return
	}

	var req createPrescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ConsultationID = strings.TrimSpace(req.ConsultationID)
	if req.ConsultationID == "" {
		http.Error(w, "consultation_id is required", http.StatusBadRequest)
		return
	}
	var validUntil *time.Time
	if strings.TrimSpace(req.ValidUntil) != "" {
		t, err := time.Parse(time.RFC3339, req.ValidUntil)
		if err != nil {
			http.Error(w, "invalid valid_until", http.StatusBadRequest)
			return
		}
		validUntil = &t
	}
	meds := make([]model.Medication, 0, len(req.Medications))
	for _, m := range req.Medications {
		meds = append(meds, model.Medication{
			Name:         m.Name,
			Dosage:       m.Dosage,
			Frequency:    m.Frequency,
			DurationDays: m.DurationDays,
			Instructions: m.Instructions,
			SideEffects:  m.SideEffects,
		})
	}

	p, err := h.svc.Create(r.Context(), claims.Sub, req.ConsultationID, req.PatientID, req.Diagnosis, req.GeneralInstructions, meds, validUntil)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrescriptionResponse(p))
}

type cancelPrescriptionRequest struct {
	PrescriptionID string `json:"prescription_id"`
	Reason         string `json:"reason"`
}

func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var req cancelPrescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.PrescriptionID = strings.TrimSpace(req.PrescriptionID)
	if req.PrescriptionID == "" {
		http.Error(w, "prescription_id is required", http.StatusBadRequest)
		return
	}
	if claims.Role != auth.RoleAdmin {
		p, err := h.svc.Get(r.Context(), req.PrescriptionID)
		if err != nil {
			writeFault(w, err)
			return
		}
		if p.DoctorID != claims.Sub {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	p, err := h.svc.Cancel(r.Context(), req.PrescriptionID, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrescriptionResponse(p))
}

func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !mayRead(claims, p) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toPrescriptionResponse(p))
}

func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		out []model.Prescription
		err error
	)
	switch claims.Role {
	case auth.RolePatient:
		out, err = h.svc.ListByPatient(r.Context(), claims.Sub, limit)
	case auth.RoleDoctor:
		out, err = h.svc.ListByDoctor(r.Context(), claims.Sub, limit)
	default:
		if consultationID := strings.TrimSpace(r.URL.Query().Get("consultation_id")); consultationID != "" {
			out, err = h.svc.ListByConsultation(r.Context(), consultationID, limit)
		} else if patientID := strings.TrimSpace(r.URL.Query().Get("patient_id")); patientID != "" {
			out, err = h.svc.ListByPatient(r.Context(), patientID, limit)
		} else if doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id")); doctorID != "" {
			out, err = h.svc.ListByDoctor(r.Context(), doctorID, limit)
		} else {
			http.Error(w, "consultation_id, patient_id or doctor_id is required", http.StatusBadRequest)
			return
		}
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	resp := make([]prescriptionResponse, 0, len(out))
	for _, p := range out {
		resp = append(resp, toPrescriptionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"prescriptions": resp})
}

func mayRead(claims *auth.Claims, p model.Prescription) bool {
	switch claims.Role {
	case auth.RoleAdmin:
		return true
	case auth.RolePatient:
		return claims.Sub == p.PatientID
	case auth.RoleDoctor:
		return claims.Sub == p.DoctorID
	default:
		return false
	}
}
