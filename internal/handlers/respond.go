package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var (
		deviceErr     models.DeviceError
		sessionErr    models.SessionError
		submissionErr models.SubmissionError
	)
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrOffline), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.As(err, &deviceErr), errors.As(err, &sessionErr), errors.As(err, &submissionErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the mapped status. Internal details are logged, not returned.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		observability.WithContext(r.Context()).WithError(err).WithField("op", op).Error("Request failed")
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}
