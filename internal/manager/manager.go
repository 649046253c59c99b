// Package manager applies schedule mutations to the store and then
// resynchronizes the scheduling engine before returning.
package manager

import (
	"context"
	"errors"
	"sync"

	"diffido/internal/schedule"
	"diffido/internal/storage"
	"diffido/internal/task/executor"
	"diffido/internal/task/scheduler"
	logx "diffido/pkg/logx"
)

// Engine is the part of the scheduling engine the manager drives.
type Engine interface {
	Sync(ctx context.Context, s schedule.Schedule) error
	Disarm(ctx context.Context, id string) error
	Replace(ctx context.Context, list []schedule.Schedule) error
	Timer(ctx context.Context, id string) (scheduler.TimerInfo, error)
}

// History returns recorded executions of a schedule, oldest first.
type History interface {
	History(scheduleID string, limit int) []executor.Record
}

// Status is the runtime view of one schedule.
type Status struct {
	Schedule   schedule.Schedule   `json:"schedule"`
	Timer      scheduler.TimerInfo `json:"timer"`
	Executions []executor.Record   `json:"executions"`
}

const statusHistoryLimit = 20

type Manager struct {
	// mu spans a store mutation and its engine resync, so the engine always
	// follows the last completed mutation.
	mu sync.Mutex

	store   storage.Store
	engine  Engine
	history History
	log     logx.Logger
}

func New(store storage.Store, engine Engine, history History, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, engine: engine, history: history, log: log}
}

func (m *Manager) List(ctx context.Context) (map[string]schedule.Schedule, error) {
	return m.store.List(ctx)
}

func (m *Manager) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	return m.store.Get(ctx, id)
}

// Create persists s under a fresh id and arms it.
func (m *Manager) Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.store.Create(ctx, s)
	if err != nil {
		return schedule.Schedule{}, err
	}
	m.sync(ctx, stored)
	return stored, nil
}

// Update replaces the schedule stored under id and re-arms it.
func (m *Manager) Update(ctx context.Context, id string, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.store.Update(ctx, id, s)
	if err != nil {
		return schedule.Schedule{}, err
	}
	m.sync(ctx, stored)
	return stored, nil
}

// Delete removes id and disarms its timer. Unknown ids succeed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if m.engine != nil {
		if err := m.engine.Disarm(ctx, id); err != nil {
			m.log.Warn("disarm after delete failed", logx.String("schedule", id), logx.Err(err))
		}
	}
	return removed, nil
}

// Status combines the stored definition, the timer state and recent executions.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	sc, err := m.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Schedule: sc, Timer: scheduler.TimerInfo{ScheduleID: sc.ID}}
	if m.engine != nil {
		ti, err := m.engine.Timer(ctx, sc.ID)
		if err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			return Status{}, err
		}
		if err == nil {
			st.Timer = ti
		}
	}
	if m.history != nil {
		st.Executions = m.history.History(sc.ID, statusHistoryLimit)
	}
	if st.Executions == nil {
		st.Executions = []executor.Record{}
	}
	return st, nil
}

// Load arms every stored schedule. Schedules that fail to arm are logged
// and skipped.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	list := make([]schedule.Schedule, 0, len(all))
	for _, id := range schedule.SortedIDs(all) {
		sc := all[id]
		sc.ID = id
		list = append(list, sc)
	}
	if m.engine == nil {
		return nil
	}
	if err := m.engine.Replace(ctx, list); err != nil {
		m.log.Warn("some schedules could not be armed", logx.Err(err))
	}
	m.log.Info("schedules loaded", logx.Int("count", len(list)))
	return nil
}

// sync resynchronizes the engine. The store stays authoritative: a failure
// here is logged and the mutation still succeeds.
func (m *Manager) sync(ctx context.Context, s schedule.Schedule) {
	if m.engine == nil {
		return
	}
	if err := m.engine.Sync(ctx, s); err != nil {
		m.log.Warn("engine resync failed", logx.String("schedule", s.ID), logx.Err(err))
	}
}
