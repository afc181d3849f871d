package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/reminder"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleError maps service errors onto problem responses. Conflicts are
// checked before validation because a rejected patch on a terminal
// reminder carries both.
func (h *Handler) handleError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
	case errors.Is(err, reminder.ErrTerminal),
		errors.Is(err, reminder.ErrNotPaused),
		errors.Is(err, reminder.ErrNotPending):
		writeError(w, http.StatusConflict, "invalid_state", title, err.Error())
	case errors.Is(err, reminder.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", title, err.Error())
	case errors.Is(err, db.ErrTemplateExists):
		writeError(w, http.StatusConflict, "duplicate_template", title, err.Error())
	case errors.Is(err, reminder.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}
