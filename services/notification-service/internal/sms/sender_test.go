package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSenderPostsToAndMessage(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "gateway-token")
	if err := s.Send(context.Background(), "+15550001", "your appointment has been confirmed"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["to"] != "+15550001" || got["message"] != "your appointment has been confirmed" {
		t.Fatalf("payload = %v", got)
	}
	if auth != "Bearer gateway-token" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestWebhookSenderNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "")
	if err := s.Send(context.Background(), "+15550001", "hello"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestWebhookSenderRejectsEmptyRecipient(t *testing.T) {
	s := NewWebhookSender("http://localhost:0", "")
	if err := s.Send(context.Background(), " ", "hello"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}
