package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"diffido/internal/schedule"
	"diffido/internal/task/scheduler"
)

// envelope is the shape of every non-list response.
type envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type scheduleResponse struct {
	envelope
	Schedule schedule.Schedule `json:"schedule"`
}

type listResponse struct {
	Schedules map[string]schedule.Schedule `json:"schedules"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: true, Message: msg})
}

func notFoundMessage(id string) string { return fmt.Sprintf("schedule %s not found", id) }

// statusFor maps domain errors to an HTTP status and a client-facing message.
func statusFor(err error, id string) (int, string) {
	switch {
	case errors.Is(err, schedule.ErrInvalidTrigger):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, schedule.ErrIDRequired):
		return http.StatusBadRequest, "an ID must be specified"
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound, notFoundMessage(id)
	case errors.Is(err, schedule.ErrStorageUnavailable), errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
