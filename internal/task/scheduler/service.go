package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"diffido/internal/eventbus"
	"diffido/internal/jobstore"
	rtsup "diffido/internal/runtime/supervisor"
	"diffido/internal/schedule"
	"diffido/internal/task/executor"
	"diffido/internal/trigger"
	logx "diffido/pkg/logx"
)

type Service struct {
	cfg    Config
	loc    *time.Location
	log    logx.Logger
	bus    eventbus.Bus
	exec   Dispatcher
	timers jobstore.Store

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	cmds    chan func()
	stopped chan struct{}

	persistCh chan persistOp

	armedCount atomic.Int64

	// Owned by the loop goroutine.
	armed    map[string]*armedTimer
	queue    timerHeap
	restored map[string]jobstore.Timer
}

// New builds the engine. timers may be nil, in which case nothing is persisted.
func New(cfg Config, exec Dispatcher, timers jobstore.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if timers == nil {
		timers = jobstore.NewMemory()
	}
	return &Service{
		cfg:    cfg,
		loc:    cfg.Location,
		log:    log,
		bus:    bus,
		exec:   exec,
		timers: timers,
		armed:  map[string]*armedTimer{},
	}
}

func (s *Service) Location() *time.Location { return s.loc }

// Start loads persisted timer bookkeeping and launches the loop. Schedules
// are armed afterwards through Replace or Sync.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	restored, err := s.timers.Load(lctx)
	cancel()
	if err != nil {
		s.log.Warn("timer table unavailable; next fires computed from now", logx.Err(err))
		restored = nil
	}
	s.restored = restored
	s.armed = map[string]*armedTimer{}
	s.queue = nil
	s.armedCount.Store(0)

	s.cmds = make(chan func(), 64)
	s.stopped = make(chan struct{})
	s.persistCh = make(chan persistOp, 1024)
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))

	cmds, stopped, ops := s.cmds, s.stopped, s.persistCh
	s.sup.Go0("loop", func(c context.Context) {
		defer close(stopped)
		s.loop(c, cmds)
	})
	s.sup.Go0("persister", func(c context.Context) {
		s.persister(c, ops, stopped)
	})

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("restored_timers", len(restored)))
	return nil
}

// Stop halts the loop. Armed timers are dropped from memory; the timer table
// keeps their last persisted state.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
		return
	}
	s.log.Info("scheduler stopped")
}

// Sync makes the armed set reflect sc: any existing timer is dropped, then
// an enabled schedule is armed with its next fire computed from now. A run
// still in flight for the dropped timer completes, but its outcome is not
// applied to the new one. Sync returns once the loop has applied the change.
func (s *Service) Sync(ctx context.Context, sc schedule.Schedule) error {
	var err error
	if derr := s.do(ctx, func() { err = s.syncOne(sc, time.Now()) }); derr != nil {
		return derr
	}
	return err
}

// Disarm removes the timer of id, if any.
func (s *Service) Disarm(ctx context.Context, id string) error {
	return s.do(ctx, func() {
		if s.disarm(id, true) {
			s.log.Debug("timer disarmed", logx.String("schedule", id))
		}
		if s.exec != nil {
			s.exec.Forget(id)
		}
	})
}

// Replace arms exactly the given schedules, disarming everything else.
// Persisted next fire times are reused for unchanged triggers that are still
// in the future. Per-schedule failures are joined into the returned error;
// the remaining schedules are armed regardless.
func (s *Service) Replace(ctx context.Context, list []schedule.Schedule) error {
	var errs []error
	derr := s.do(ctx, func() {
		keep := make(map[string]bool, len(list))
		for _, sc := range list {
			keep[sc.ID] = true
		}
		for id := range s.armed {
			if !keep[id] {
				s.disarm(id, true)
			}
		}
		now := time.Now()
		for _, sc := range list {
			if err := s.syncOne(sc, now); err != nil {
				errs = append(errs, fmt.Errorf("schedule %s: %w", sc.ID, err))
			}
		}
		// Timer rows of schedules that no longer exist.
		for id := range s.restored {
			if !keep[id] {
				s.persistDelete(id)
			}
		}
		s.restored = nil
	})
	if derr != nil {
		return derr
	}
	return errors.Join(errs...)
}

// Timer returns the state of id's timer; Armed is false when none exists.
func (s *Service) Timer(ctx context.Context, id string) (TimerInfo, error) {
	out := TimerInfo{ScheduleID: id}
	err := s.do(ctx, func() {
		if t := s.armed[id]; t != nil {
			out = t.info()
		}
	})
	return out, err
}

// Snapshot lists every armed timer ordered by next fire time.
func (s *Service) Snapshot(ctx context.Context) ([]TimerInfo, error) {
	var out []TimerInfo
	err := s.do(ctx, func() {
		out = make([]TimerInfo, 0, len(s.armed))
		for _, t := range s.armed {
			out = append(out, t.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	return out, err
}

// ArmedCount is safe to call from any goroutine.
func (s *Service) ArmedCount() int { return int(s.armedCount.Load()) }

// Complete reports a finished execution. Wire it as the executor's
// completion hook.
func (s *Service) Complete(rec executor.Record) {
	s.mu.Lock()
	cmds, stopped := s.cmds, s.stopped
	running := s.sup != nil
	s.mu.Unlock()
	if !running {
		return
	}
	fn := func() { s.complete(rec) }
	select {
	case cmds <- fn:
	case <-stopped:
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cmds, stopped := s.cmds, s.stopped
	running := s.sup != nil
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	done := make(chan struct{})
	select {
	case cmds <- func() { fn(); close(done) }:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(ctx context.Context, cmds <-chan func()) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var due <-chan time.Time
		if len(s.queue) > 0 {
			timer.Reset(max(time.Until(s.queue[0].next), 0))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-cmds:
			fn()
		case <-due:
			s.fireDue(time.Now())
		}
	}
}

func (s *Service) fireDue(now time.Time) {
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		t := heap.Pop(&s.queue).(*armedTimer)
		s.fire(t, now)
	}
}

// fire dispatches t and re-arms it from now.
func (s *Service) fire(t *armedTimer, now time.Time) {
	id := t.sched.ID
	fireTime := t.next
	log := s.log.With(logx.String("schedule", id))

	err := s.exec.Submit(executor.Request{Schedule: t.sched.Clone(), FireTime: fireTime})
	switch {
	case err == nil:
		t.inFlight = true
		t.inFlightFire = fireTime
		log.Debug("timer fired", logx.Time("fire_time", fireTime))
	case errors.Is(err, executor.ErrOverlapSkip):
		t.lastOutcome = string(executor.OutcomeSkippedOverlap)
	default:
		log.Warn("dispatch failed", logx.Time("fire_time", fireTime), logx.Err(err))
	}
	t.lastFire = fireTime

	next := t.trig.Next(now)
	if next.IsZero() {
		delete(s.armed, id)
		s.armedCount.Store(int64(len(s.armed)))
		s.persistDelete(id)
		s.publish(eventbus.TimerDisarmed, id)
		log.Info("trigger exhausted; timer disarmed")
		return
	}
	t.next = next
	heap.Push(&s.queue, t)
	s.persistSave(t)
}

func (s *Service) complete(rec executor.Record) {
	t := s.armed[rec.ScheduleID]
	if t == nil || !t.inFlight || !t.inFlightFire.Equal(rec.FireTime) {
		s.log.Debug("completion for replaced timer discarded", logx.String("schedule", rec.ScheduleID), logx.String("execution", rec.ID))
		return
	}
	t.inFlight = false
	t.inFlightFire = time.Time{}
	t.lastOutcome = string(rec.Outcome)
	s.persistSave(t)
}

func (s *Service) syncOne(sc schedule.Schedule, now time.Time) error {
	if sc.ID == "" {
		return schedule.ErrIDRequired
	}
	if !sc.IsEnabled() {
		if s.disarm(sc.ID, true) {
			s.log.Info("schedule disabled; timer disarmed", logx.String("schedule", sc.ID))
		}
		return nil
	}
	trig, err := trigger.Parse(sc.Trigger, s.loc)
	if err != nil {
		s.disarm(sc.ID, true)
		return fmt.Errorf("%w: %v", schedule.ErrInvalidTrigger, err)
	}
	fp := trigger.Fingerprint(sc.Trigger, s.loc)
	s.disarm(sc.ID, false)

	t := &armedTimer{
		sched:       sc.Clone(),
		trig:        trig,
		fingerprint: fp,
		armedAt:     now,
		next:        trig.Next(now),
	}
	if p, ok := s.restored[sc.ID]; ok {
		delete(s.restored, sc.ID)
		t.lastFire = p.LastFireTime()
		t.lastOutcome = p.LastOutcome
		if p.Fingerprint == fp && p.NextFireTime().After(now) {
			t.next = p.NextFireTime()
		}
	}
	if t.next.IsZero() {
		s.persistDelete(sc.ID)
		s.log.Info("trigger has no future fire; not armed", logx.String("schedule", sc.ID))
		return nil
	}

	s.armed[sc.ID] = t
	heap.Push(&s.queue, t)
	s.armedCount.Store(int64(len(s.armed)))
	s.persistSave(t)
	s.publish(eventbus.TimerArmed, sc.ID)
	s.log.Debug("timer armed", logx.String("schedule", sc.ID), logx.Time("next_fire", t.next))
	return nil
}

// disarm removes id's timer. forget also drops its persisted row.
func (s *Service) disarm(id string, forget bool) bool {
	t := s.armed[id]
	if t == nil {
		if forget {
			s.persistDelete(id)
		}
		return false
	}
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}
	delete(s.armed, id)
	s.armedCount.Store(int64(len(s.armed)))
	if forget {
		s.persistDelete(id)
	}
	s.publish(eventbus.TimerDisarmed, id)
	return true
}

func (s *Service) publish(typ, id string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: id})
	}
}
