package scheduler

import (
	"errors"
	"time"

	"diffido/internal/schedule"
	"diffido/internal/task/executor"

	"github.com/robfig/cron/v3"
)

var ErrNotRunning = errors.New("scheduler not running")

// Config controls the scheduling engine.
type Config struct {
	// Location evaluates cron triggers without their own timezone. nil means Local.
	Location *time.Location
	// PersistTimeout bounds a single timer table write. Default 5s.
	PersistTimeout time.Duration
}

// Dispatcher hands fire events to the job executor.
type Dispatcher interface {
	Submit(req executor.Request) error
	Forget(scheduleID string)
}

// TimerInfo is a point-in-time view of one armed timer.
type TimerInfo struct {
	ScheduleID  string    `json:"schedule_id"`
	Armed       bool      `json:"armed"`
	NextFire    time.Time `json:"next_fire,omitempty"`
	InFlight    bool      `json:"in_flight"`
	ArmedAt     time.Time `json:"armed_at,omitempty"`
	LastFire    time.Time `json:"last_fire,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
}

type armedTimer struct {
	sched       schedule.Schedule
	trig        cron.Schedule
	fingerprint string

	next     time.Time
	armedAt  time.Time
	inFlight bool
	// inFlightFire identifies the dispatched run; a completion for any other
	// fire time belongs to a replaced timer and is discarded.
	inFlightFire time.Time

	lastFire    time.Time
	lastOutcome string

	index int // heap position
}

func (t *armedTimer) info() TimerInfo {
	return TimerInfo{
		ScheduleID:  t.sched.ID,
		Armed:       true,
		NextFire:    t.next,
		InFlight:    t.inFlight,
		ArmedAt:     t.armedAt,
		LastFire:    t.lastFire,
		LastOutcome: t.lastOutcome,
	}
}

// timerHeap implements container/heap ordered by next fire time.
type timerHeap []*armedTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].sched.ID < h[j].sched.ID
	}
	return h[i].next.Before(h[j].next)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*armedTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
