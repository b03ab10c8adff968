package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/telemedcore/encounter/services/notification-service/internal/dispatch"
)

type SendHandler struct {
	dispatcher *dispatch.Service
	logger     *slog.Logger
}

func NewSendHandler(dispatcher *dispatch.Service, logger *slog.Logger) *SendHandler {
	return &SendHandler{dispatcher: dispatcher, logger: logger}
}

type sendRequest struct {
	UserID   string            `json:"user_id"`
	Template string            `json:"template"`
	Payload  map[string]string `json:"payload"`
}

type sendResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Send delivers one notification. The response says whether any channel
// accepted it; callers treat rejection as a warning, not a failure.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Template == "" {
		http.Error(w, "user_id and template are required", http.StatusBadRequest)
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), req.UserID, req.Template, req.Payload)
	if err != nil {
		h.logger.Error("dispatch failed", "err", err, "user_id", req.UserID, "template", req.Template)
		http.Error(w, "dispatch failed", http.StatusServiceUnavailable)
		return
	}

	if res.Accepted {
		writeJSON(w, http.StatusAccepted, sendResponse{Status: "accepted"})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, sendResponse{Status: "rejected", Reason: res.Reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
