package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"diffido/internal/manager"
	"diffido/internal/schedule"
	logx "diffido/pkg/logx"
)

// Manager is the schedule surface the handlers serve.
type Manager interface {
	List(ctx context.Context) (map[string]schedule.Schedule, error)
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	Update(ctx context.Context, id string, s schedule.Schedule) (schedule.Schedule, error)
	Delete(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context, id string) (manager.Status, error)
}

// Prefixes the schedule routes are served under.
var Prefixes = []string{"/api", "/api/v1.0"}

type handlers struct {
	m   Manager
	log logx.Logger
}

func (h *handlers) register(mux *http.ServeMux) {
	for _, p := range Prefixes {
		mux.HandleFunc("GET "+p+"/schedules", h.list)
		mux.HandleFunc("POST "+p+"/schedules", h.create)
		mux.HandleFunc("PUT "+p+"/schedules", h.updateMissingID)
		mux.HandleFunc("PUT "+p+"/schedules/{$}", h.updateMissingID)
		mux.HandleFunc("DELETE "+p+"/schedules", h.deleteMissingID)
		mux.HandleFunc("DELETE "+p+"/schedules/{$}", h.deleteMissingID)
		mux.HandleFunc("GET "+p+"/schedules/{id}", h.get)
		mux.HandleFunc("PUT "+p+"/schedules/{id}", h.update)
		mux.HandleFunc("DELETE "+p+"/schedules/{id}", h.delete)
		mux.HandleFunc("GET "+p+"/schedules/{id}/status", h.status)
	}
}

func pathID(r *http.Request) string { return strings.TrimSpace(r.PathValue("id")) }

// List never fails: a storage error yields an empty set.
func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.m.List(r.Context())
	if err != nil {
		h.log.Warn("list schedules failed", logx.Err(err))
		all = map[string]schedule.Schedule{}
	}
	for id, s := range all {
		s.ID = id
		all[id] = s
	}
	writeJSON(w, http.StatusOK, listResponse{Schedules: all})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	s, err := h.m.Get(r.Context(), id)
	if errors.Is(err, schedule.ErrStorageUnavailable) {
		// Reads degrade like list: an empty schedule carrying only the id.
		h.log.Warn("get schedule failed", logx.String("schedule", id), logx.Err(err))
		writeJSON(w, http.StatusOK, scheduleResponse{Schedule: schedule.Schedule{ID: id}})
		return
	}
	if err != nil {
		h.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Schedule: s})
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	s, ok := h.decode(w, r)
	if !ok {
		return
	}
	s.ID = ""
	stored, err := h.m.Create(r.Context(), s)
	if err != nil {
		h.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		envelope: envelope{Message: fmt.Sprintf("created schedule %s", stored.ID)},
		Schedule: stored,
	})
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if id == "" {
		h.updateMissingID(w, r)
		return
	}
	s, ok := h.decode(w, r)
	if !ok {
		return
	}
	stored, err := h.m.Update(r.Context(), id, s)
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusBadRequest, notFoundMessage(id))
		return
	}
	if err != nil {
		h.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		envelope: envelope{Message: fmt.Sprintf("updated schedule %s", id)},
		Schedule: stored,
	})
}

func (h *handlers) updateMissingID(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusBadRequest, "update action requires an ID")
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if id == "" {
		h.deleteMissingID(w, r)
		return
	}
	if _, err := h.m.Delete(r.Context(), id); err != nil {
		h.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Message: fmt.Sprintf("removed schedule %s", id)})
}

func (h *handlers) deleteMissingID(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusBadRequest, "an ID must be specified")
}

type statusResponse struct {
	envelope
	manager.Status
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	st, err := h.m.Status(r.Context(), id)
	if err != nil {
		h.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: st})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request) (schedule.Schedule, bool) {
	var s schedule.Schedule
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return schedule.Schedule{}, false
	}
	return s, true
}

func (h *handlers) fail(w http.ResponseWriter, err error, id string) {
	status, msg := statusFor(err, id)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("schedule", id), logx.Err(err))
	}
	writeError(w, status, msg)
}
