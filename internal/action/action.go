// Package action holds the external actions a schedule can run. The
// action_parameters "action" key picks one; without it the log action runs.
package action

import (
	"context"
	"fmt"
	"strings"

	"diffido/internal/schedule"
	"diffido/internal/task/executor"
	logx "diffido/pkg/logx"
)

const (
	NameLog   = "log"
	NameFetch = "fetch"
)

// Mux dispatches to a registered action by name.
type Mux struct {
	def     string
	actions map[string]executor.Action
}

func NewMux(def string) *Mux {
	if strings.TrimSpace(def) == "" {
		def = NameLog
	}
	return &Mux{def: def, actions: map[string]executor.Action{}}
}

func (m *Mux) Handle(name string, a executor.Action) {
	m.actions[strings.ToLower(strings.TrimSpace(name))] = a
}

func (m *Mux) Run(ctx context.Context, s schedule.Schedule) error {
	name := m.def
	if v, ok := s.ActionParameters["action"].(string); ok && strings.TrimSpace(v) != "" {
		name = strings.ToLower(strings.TrimSpace(v))
	}
	a, ok := m.actions[name]
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	return a.Run(ctx, s)
}

// Forget passes scheduleID on to every action that keeps per-schedule state.
func (m *Mux) Forget(scheduleID string) {
	for _, a := range m.actions {
		if f, ok := a.(executor.Forgetter); ok {
			f.Forget(scheduleID)
		}
	}
}

// Log only records that the schedule ran.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (a *Log) Run(_ context.Context, s schedule.Schedule) error {
	a.log.Info("running schedule "+s.ID, logx.String("schedule", s.ID), logx.String("name", s.Name))
	return nil
}

// Param returns the string parameter key, or "".
func Param(s schedule.Schedule, key string) string {
	v, _ := s.ActionParameters[key].(string)
	return strings.TrimSpace(v)
}
