package template

import (
	"strings"
	"testing"
)

func TestRenderKnownKinds(t *testing.T) {
	payload := map[string]string{
		"recipient_name": "Ada Lovelace",
		"start_time":     "2025-03-01T10:00:00Z",
		"valid_until":    "2025-06-01T00:00:00Z",
	}

	for _, kind := range []string{
		AppointmentRequested,
		AppointmentConfirmed,
		AppointmentCancelled,
		AppointmentRescheduled,
		ConsultationStarted,
		ConsultationCompleted,
		PrescriptionIssued,
	} {
		msg, ok := Render(kind, payload)
		if !ok {
			t.Fatalf("Render(%q) not ok", kind)
		}
		if msg.Subject == "" || msg.Body == "" {
			t.Fatalf("Render(%q) produced empty message", kind)
		}
		if !strings.Contains(msg.Body, "Dear Ada Lovelace") {
			t.Fatalf("Render(%q) body missing greeting: %q", kind, msg.Body)
		}
	}
}

func TestRenderWithoutRecipientName(t *testing.T) {
	msg, ok := Render(AppointmentConfirmed, map[string]string{"start_time": "2025-03-01T10:00:00Z"})
	if !ok {
		t.Fatal("Render not ok")
	}
	if strings.Contains(msg.Body, "Dear") {
		t.Fatalf("body should not greet without a name: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "2025-03-01T10:00:00Z") {
		t.Fatalf("body missing start time: %q", msg.Body)
	}
}

func TestRenderUnknownKind(t *testing.T) {
	if _, ok := Render("password_reset", nil); ok {
		t.Fatal("unknown kind should not render")
	}
}
