package executor

import (
	"context"
	"sync"
	"time"

	"diffido/internal/schedule"
)

// Config controls the job executor.
type Config struct {
	Workers   int
	QueueSize int
	// DefaultTimeout bounds a single run. 0 means no limit.
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// Action performs the external work of a schedule.
type Action interface {
	Run(ctx context.Context, s schedule.Schedule) error
}

// Forgetter is implemented by actions that keep per-schedule state. Forget
// is called when the schedule is removed.
type Forgetter interface {
	Forget(scheduleID string)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, s schedule.Schedule) error

func (f ActionFunc) Run(ctx context.Context, s schedule.Schedule) error { return f(ctx, s) }

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomeSkippedOverlap Outcome = "skipped_overlap"
)

// Record is the outcome of one fire event.
type Record struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id"`
	FireTime    time.Time `json:"fire_time"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Request asks for one execution of Schedule for the fire event at FireTime.
type Request struct {
	Schedule schedule.Schedule
	FireTime time.Time
}

// RunState tracks whether a schedule has an execution queued or running.
// A second request while one is in flight is skipped, never queued.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Succeeded      uint64        `json:"succeeded"`
	Failed         uint64        `json:"failed"`
	Skipped        uint64        `json:"skipped"`
	DroppedFull    uint64        `json:"dropped_queue_full"`
}
