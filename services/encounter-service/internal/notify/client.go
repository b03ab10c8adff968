// Package notify is the client side of the notification dispatcher. Sends
// are best effort: the orchestrator reports failures as warnings and never
// lets them touch clinical state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Template kinds understood by the dispatcher.
const (
	TemplateAppointmentRequested   = "appointment_requested"
	TemplateAppointmentConfirmed   = "appointment_confirmed"
	TemplateAppointmentCancelled   = "appointment_cancelled"
	TemplateAppointmentRescheduled = "appointment_rescheduled"
	TemplateConsultationStarted    = "consultation_started"
	TemplateConsultationCompleted  = "consultation_completed"
	TemplatePrescriptionIssued     = "prescription_issued"
)

type Client interface {
	Send(ctx context.Context, userID, templateKind string, payload map[string]string) error
}

type HTTPClient struct {
	url   string
	token string
	http  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		url:   strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/api/v1/notifications/send",
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *HTTPClient) Send(ctx context.Context, userID, templateKind string, payload map[string]string) error {
	raw, err := json.Marshal(map[string]any{
		"user_id":  userID,
		"template": templateKind,
		"payload":  payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification dispatcher returned %d", resp.StatusCode)
	}
	return nil
}

// Noop is used when no dispatcher is configured.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (*Noop) Send(_ context.Context, _, _ string, _ map[string]string) error {
	return nil
}
