// Package registry resolves patient and doctor profiles from the user
// registry service. Profile lookups decorate notifications only; callers
// must degrade to a generic payload when the registry is unreachable.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

type Provider interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
}

type httpProvider struct {
	baseURL string
	http    *http.Client
}

func newHTTPProvider(baseURL string) *httpProvider {
	return &httpProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *httpProvider) GetProfile(ctx context.Context, id string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/users/"+id, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("registry returned %d for user %s", resp.StatusCode, id)
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}
