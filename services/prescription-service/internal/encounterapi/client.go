// Package encounterapi is the synchronous client for encounter-service,
// used when the local consultation mirror has no answer yet.
package encounterapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/telemedcore/encounter/libs/fault"
)

type Consultation struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Status    string `json:"status"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// GetConsultation fetches a consultation by id. 404 maps to NotFound; any
// transport error or non-OK answer is DependencyUnavailable so callers fail
// closed.
func (c *Client) GetConsultation(ctx context.Context, id string) (Consultation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/consultations/get?id="+id, nil)
	if err != nil {
		return Consultation{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Consultation{}, fault.Wrap(fault.DependencyUnavailable, "encounter-service unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var consultation Consultation
		if err := json.NewDecoder(resp.Body).Decode(&consultation); err != nil {
			return Consultation{}, fault.Wrap(fault.DependencyUnavailable, "invalid encounter-service response", err)
		}
		return consultation, nil
	case http.StatusNotFound:
		return Consultation{}, fault.New(fault.NotFound, "consultation %s not found", id)
	default:
		return Consultation{}, fault.New(fault.DependencyUnavailable, "encounter-service returned %d", resp.StatusCode)
	}
}
