package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"diffido/internal/eventbus"
	logx "diffido/pkg/logx"

	"github.com/google/uuid"
)

func newRecordID() string { return uuid.NewString() }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			rec := s.run(ctx, qt.req, time.Since(qt.enqueuedAt))
			qt.state.release()
			s.complete(rec)
		}
	}
}

// run executes the action once. Errors and panics become failure records;
// there are no retries, a failed schedule waits for its next fire.
func (s *Service) run(ctx context.Context, req Request, queueDelay time.Duration) Record {
	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	rec := Record{
		ID:         newRecordID(),
		ScheduleID: req.Schedule.ID,
		FireTime:   req.FireTime,
		StartedAt:  time.Now(),
	}
	log := s.log.With(logx.String("schedule", rec.ScheduleID), logx.String("execution", rec.ID))
	log.Debug("execution started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.ExecutionStarted, rec)

	runCtx := ctx
	if t := s.cfg.DefaultTimeout; t > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("execution panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if s.action == nil {
			err = fmt.Errorf("no action configured")
			return
		}
		err = s.action.Run(runCtx, req.Schedule.Clone())
	}()

	rec.CompletedAt = time.Now()
	dur := rec.Duration()
	if err != nil {
		rec.Outcome = OutcomeFailure
		rec.Error = err.Error()
		atomic.AddUint64(&s.failed, 1)
		log.Warn("execution failed", logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.ExecutionFailed, rec)
	} else {
		rec.Outcome = OutcomeSuccess
		atomic.AddUint64(&s.succeeded, 1)
		if dur >= 750*time.Millisecond {
			log.Info("execution completed", logx.Duration("dur", dur))
		} else {
			log.Debug("execution completed", logx.Duration("dur", dur))
		}
		s.publish(eventbus.ExecutionSucceeded, rec)
	}
	s.appendHistory(rec)
	return rec
}

// complete notifies the registered hook. Called after the overlap gate is
// released so the hook observes the schedule as idle.
func (s *Service) complete(rec Record) {
	s.mu.Lock()
	done := s.onComplete
	s.mu.Unlock()
	if done != nil {
		done(rec)
	}
}
