package email

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// maxMessageBytes bounds a message including base64-encoded attachments.
const maxMessageBytes = 10 << 20

type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

type sendResponse struct {
	Status string `json:"status"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !strings.Contains(msg.To, "@") || msg.Subject == "" {
		h.writeError(w, http.StatusBadRequest, "missing recipient or subject")
		return
	}

	for _, a := range msg.Attachments {
		if a.Filename == "" || len(a.Content) == 0 {
			h.writeError(w, http.StatusBadRequest, "invalid attachment")
			return
		}
	}

	size := 0
	for _, a := range msg.Attachments {
		size += len(a.Content)
	}

	h.logger.Info("email sent", "to", msg.To, "subject", msg.Subject,
		"attachments", len(msg.Attachments), "attachment_bytes", size)

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
