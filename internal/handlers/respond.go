// Package handlers holds the JSON response helpers shared by the HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nestview/backend/internal/models"
)

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorMessage writes {"error": msg} with the given status.
func WriteErrorMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteError maps a domain error to its HTTP status. Unknown errors are
// logged under op and reported as 500 without detail.
func WriteError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		if log == nil {
			log = slog.Default()
		}
		log.Error(op+" failed", "error", err)
		WriteErrorMessage(w, status, "internal error")
		return
	}
	WriteErrorMessage(w, status, err.Error())
}

// StatusFor returns the HTTP status for a domain error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientPending),
		errors.Is(err, models.ErrInsufficientAvailable),
		errors.Is(err, models.ErrBelowMinimumPayout):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidPayoutMethod),
		errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
