package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"diffido/internal/eventbus"
	rtsup "diffido/internal/runtime/supervisor"
	logx "diffido/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	action     Action
	onComplete func(Record)

	q        chan queued
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []Record

	inFlight    int32
	succeeded   uint64
	failed      uint64
	skipped     uint64
	droppedFull uint64

	lastQueueFullWarnAt int64
}

type queued struct {
	req        Request
	state      *RunState
	enqueuedAt time.Time
}

func New(cfg Config, action Action, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		action: action,
		states: make(map[string]*RunState),
	}
}

// SetOnComplete registers fn to be called after every execution that
// actually ran (success or failure). It is not called for skipped requests.
// Must be called before Start.
func (s *Service) SetOnComplete(fn func(Record)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queued, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	queue, stopCh := s.q, s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Duration("default_timeout", cfg.DefaultTimeout))
}

// Stop cancels running actions and waits for workers to exit or ctx to end.
// Requests still queued are dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	err := sup.Stop(ctx)

	// Release gates held by requests that never ran.
	dropped := 0
drain:
	for {
		select {
		case qt := <-queue:
			qt.state.release()
			dropped++
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.log.Warn("executor stop timed out", logx.Err(err))
		return
	}
	s.log.Info("executor stopped", logx.Int("dropped_queued", dropped))
}

// Submit hands req to the worker pool without blocking.
//
// It returns ErrOverlapSkip (and records a skipped_overlap outcome) when the
// schedule already has an execution queued or running, ErrQueueFull when the
// pool is saturated and ErrStopped when the executor is not running.
func (s *Service) Submit(req Request) error {
	id := strings.TrimSpace(req.Schedule.ID)
	if id == "" {
		return errors.New("executor: schedule id is required")
	}
	if req.FireTime.IsZero() {
		req.FireTime = time.Now()
	}

	s.mu.Lock()
	q := s.q
	stopping := s.stopping
	s.mu.Unlock()
	if q == nil || stopping {
		return ErrStopped
	}

	st, ok := s.acquire(id)
	if !ok {
		s.recordSkip(req)
		return ErrOverlapSkip
	}

	select {
	case q <- queued{req: req, state: st, enqueuedAt: time.Now()}:
		return nil
	default:
		st.release()
		s.onQueueFull(req, q)
		return ErrQueueFull
	}
}

// Execute runs req synchronously on the caller's goroutine, honoring the
// same overlap gate as Submit.
func (s *Service) Execute(ctx context.Context, req Request) Record {
	if req.FireTime.IsZero() {
		req.FireTime = time.Now()
	}
	st, ok := s.acquire(req.Schedule.ID)
	if !ok {
		return s.recordSkip(req)
	}
	rec := s.run(ctx, req, 0)
	st.release()
	s.complete(rec)
	return rec
}

// Running reports whether scheduleID has an execution queued or running.
func (s *Service) Running(scheduleID string) bool {
	s.stateMu.Lock()
	st := s.states[scheduleID]
	s.stateMu.Unlock()
	return st != nil && st.busy()
}

// Forget drops the overlap gate of an idle schedule and any state the
// action keeps for it.
func (s *Service) Forget(scheduleID string) {
	s.stateMu.Lock()
	if st := s.states[scheduleID]; st != nil && !st.busy() {
		delete(s.states, scheduleID)
	}
	s.stateMu.Unlock()
	if f, ok := s.action.(Forgetter); ok {
		f.Forget(scheduleID)
	}
}

// History returns recorded executions, oldest first. An empty scheduleID
// returns every schedule; limit <= 0 means no limit.
func (s *Service) History(scheduleID string, limit int) []Record {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]Record, 0, len(s.history))
	for _, r := range s.history {
		if scheduleID == "" || r.ScheduleID == scheduleID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		DefaultTimeout: cfg.DefaultTimeout,
		Succeeded:      atomic.LoadUint64(&s.succeeded),
		Failed:         atomic.LoadUint64(&s.failed),
		Skipped:        atomic.LoadUint64(&s.skipped),
		DroppedFull:    atomic.LoadUint64(&s.droppedFull),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}

// acquire takes the overlap gate of id. Lookup and acquire share stateMu so
// Forget can never drop a gate between the two.
func (s *Service) acquire(id string) (*RunState, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[id]
	if st == nil {
		st = &RunState{}
		s.states[id] = st
	}
	return st, st.tryAcquire()
}

func (s *Service) appendHistory(r Record) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = append(s.history[:0:0], s.history[len(s.history)-n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, r Record) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: r})
	}
}

func (s *Service) recordSkip(req Request) Record {
	now := time.Now()
	r := Record{
		ID:          newRecordID(),
		ScheduleID:  req.Schedule.ID,
		FireTime:    req.FireTime,
		CompletedAt: now,
		Outcome:     OutcomeSkippedOverlap,
	}
	atomic.AddUint64(&s.skipped, 1)
	s.appendHistory(r)
	s.publish(eventbus.ExecutionSkipped, r)
	s.log.Info("execution skipped: previous run still in flight", logx.String("schedule", r.ScheduleID), logx.Time("fire_time", r.FireTime))
	return r
}

func (s *Service) onQueueFull(req Request, q chan queued) {
	atomic.AddUint64(&s.droppedFull, 1)
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&s.lastQueueFullWarnAt)
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastQueueFullWarnAt, prev, now) {
		s.log.Warn("execution dropped: queue full",
			logx.String("schedule", req.Schedule.ID),
			logx.Int("queue_cap", cap(q)),
			logx.Int64("dropped_queue_full", int64(atomic.LoadUint64(&s.droppedFull))),
		)
	}
}
