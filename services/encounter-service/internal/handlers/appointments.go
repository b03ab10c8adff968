package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/telemedcore/encounter/libs/auth"
	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/libs/httpx"
	"github.com/telemedcore/encounter/services/encounter-service/internal/appointment"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/scheduling"
	"github.com/telemedcore/encounter/services/encounter-service/internal/workflow"
)

type AppointmentHandler struct {
	orch     *workflow.Orchestrator
	appts    *appointment.Service
	calendar scheduling.Calendar
	clock    clockx.Clock
	logger   *slog.Logger
}

func NewAppointmentHandler(orch *workflow.Orchestrator, appts *appointment.Service, calendar scheduling.Calendar, clock clockx.Clock, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{orch: orch, appts: appts, calendar: calendar, clock: clock, logger: logger}
}

type appointmentResponse struct {
	ID                 string   `json:"id"`
	PatientID          string   `json:"patient_id"`
	DoctorID           string   `json:"doctor_id"`
	StartTime          string   `json:"start_time"`
	EndTime            string   `json:"end_time"`
	DurationMinutes    int      `json:"duration_minutes"`
	Status             string   `json:"status"`
	Reason             string   `json:"reason"`
	Notes              string   `json:"notes,omitempty"`
	CancellationReason string   `json:"cancellation_reason,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

func toAppointmentResponse(appt model.Appointment, warnings []string) appointmentResponse {
	return appointmentResponse{
		ID:                 appt.ID,
		PatientID:          appt.PatientID,
		DoctorID:           appt.DoctorID,
		StartTime:          appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:            appt.EndTime().UTC().Format(time.RFC3339),
		DurationMinutes:    appt.DurationMinutes,
		Status:             string(appt.Status),
		Reason:             appt.Reason,
		Notes:              appt.Notes,
		CancellationReason: appt.CancellationReason,
		Warnings:           warnings,
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

type createAppointmentRequest struct {
	PatientID       string `json:"patient_id"`
	DoctorID        string `json:"doctor_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleAdmin)
	if !ok {
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	if req.DoctorID == "" {
		http.Error(w, "doctor_id is required", http.StatusBadRequest)
		return
	}
	// Patients book for themselves; only admins may book on behalf of others.
	patientID := claims.Sub
	if claims.Role == auth.RoleAdmin && strings.TrimSpace(req.PatientID) != "" {
		patientID = strings.TrimSpace(req.PatientID)
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	appt, warnings, err := h.orch.BookAppointment(r.Context(), patientID, req.DoctorID, start, req.DurationMinutes, req.Reason, req.Notes)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt, warnings))
}

type appointmentActionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
	NewStartTime  string `json:"new_start_time"`
}

func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	if !h.authorizeDoctor(w, r, claims, req.AppointmentID) {
		return
	}

	appt, warnings, err := h.orch.ConfirmAppointment(r.Context(), req.AppointmentID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, warnings))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	if !h.authorizeParticipant(w, r, claims, req.AppointmentID) {
		return
	}

	appt, warnings, err := h.orch.CancelAppointment(r.Context(), req.AppointmentID, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, warnings))
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := httpx.RequireRole(w, r, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	newStart, err := time.Parse(time.RFC3339, req.NewStartTime)
	if err != nil {
		http.Error(w, "invalid new_start_time", http.StatusBadRequest)
		return
	}
	if !h.authorizeParticipant(w, r, claims, req.AppointmentID) {
		return
	}

	appt, warnings, err := h.orch.RescheduleAppointment(r.Context(), req.AppointmentID, newStart)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, warnings))
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	appt, err := h.appts.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !participant(claims, appt.PatientID, appt.DoctorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, nil))
}

// List returns the caller's own appointments; admins may list any user's
// via patient_id or doctor_id.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
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
		appts []model.Appointment
		err   error
	)
	switch claims.Role {
	case auth.RolePatient:
		appts, err = h.appts.ListByPatient(r.Context(), claims.Sub, limit)
	case auth.RoleDoctor:
		appts, err = h.appts.ListByDoctor(r.Context(), claims.Sub, limit)
	default:
		if patientID := strings.TrimSpace(r.URL.Query().Get("patient_id")); patientID != "" {
			appts, err = h.appts.ListByPatient(r.Context(), patientID, limit)
		} else if doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id")); doctorID != "" {
			appts, err = h.appts.ListByDoctor(r.Context(), doctorID, limit)
		} else {
			http.Error(w, "patient_id or doctor_id is required", http.StatusBadRequest)
			return
		}
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}

type slotResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Slots is the public availability endpoint: free slot starts for a doctor
// on a given day. No auth, rate-limited at the router.
func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if doctorID == "" {
		http.Error(w, "doctor_id is required", http.StatusBadRequest)
		return
	}
	day, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	minutes, _ := strconv.Atoi(r.URL.Query().Get("duration_minutes"))
	if minutes == 0 {
		minutes = 30
	}
	if minutes < appointment.MinDurationMinutes || minutes > appointment.MaxDurationMinutes {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	windowStart := day
	windowEnd := day.Add(24 * time.Hour)
	busy, err := h.calendar.BookedWindows(r.Context(), doctorID, windowStart, windowEnd, "")
	if err != nil {
		http.Error(w, "availability lookup failed", http.StatusServiceUnavailable)
		return
	}
	duration := time.Duration(minutes) * time.Minute
	starts := scheduling.AvailableSlots(windowStart, windowEnd, duration, 15*time.Minute, busy, h.clock.Now())

	slots := make([]slotResponse, 0, len(starts))
	for _, s := range starts {
		slots = append(slots, slotResponse{
			StartTime: s.UTC().Format(time.RFC3339),
			EndTime:   s.Add(duration).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func decodeAction(w http.ResponseWriter, r *http.Request) (appointmentActionRequest, bool) {
	var req appointmentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return req, false
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func participant(claims *auth.Claims, patientID, doctorID string) bool {
	switch claims.Role {
	case auth.RoleAdmin:
		return true
	case auth.RolePatient:
		return claims.Sub == patientID
	case auth.RoleDoctor:
		return claims.Sub == doctorID
	default:
		return false
	}
}

func (h *AppointmentHandler) authorizeDoctor(w http.ResponseWriter, r *http.Request, claims *auth.Claims, appointmentID string) bool {
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

func (h *AppointmentHandler) authorizeParticipant(w http.ResponseWriter, r *http.Request, claims *auth.Claims, appointmentID string) bool {
	if claims.Role == auth.RoleAdmin {
		return true
	}
	appt, err := h.appts.Get(r.Context(), appointmentID)
	if err != nil {
		writeFault(w, err)
		return false
	}
	if !participant(claims, appt.PatientID, appt.DoctorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}
