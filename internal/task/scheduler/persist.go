package scheduler

import (
	"context"
	"time"

	"diffido/internal/jobstore"
	logx "diffido/pkg/logx"
)

type persistOp struct {
	timer  jobstore.Timer
	delete bool
}

func (s *Service) persistSave(t *armedTimer) {
	s.enqueuePersist(persistOp{timer: jobstore.Timer{
		ScheduleID:  t.sched.ID,
		Fingerprint: t.fingerprint,
		NextFire:    jobstore.Millis(t.next),
		LastFire:    jobstore.Millis(t.lastFire),
		LastOutcome: t.lastOutcome,
		UpdatedAt:   time.Now().UnixMilli(),
	}})
}

func (s *Service) persistDelete(id string) {
	s.enqueuePersist(persistOp{timer: jobstore.Timer{ScheduleID: id}, delete: true})
}

// enqueuePersist never blocks the loop. A dropped write only costs accuracy
// of the restored fire time after a restart.
func (s *Service) enqueuePersist(op persistOp) {
	select {
	case s.persistCh <- op:
	default:
		s.log.Warn("timer table write dropped (queue full)", logx.String("schedule", op.timer.ScheduleID))
	}
}

// persister applies timer table writes in order. After the loop stops it
// flushes what is left.
func (s *Service) persister(ctx context.Context, ops <-chan persistOp, loopStopped <-chan struct{}) {
	for {
		select {
		case op := <-ops:
			s.apply(op)
		case <-loopStopped:
			for {
				select {
				case op := <-ops:
					s.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	var err error
	if op.delete {
		err = s.timers.Delete(ctx, op.timer.ScheduleID)
	} else {
		err = s.timers.Save(ctx, op.timer)
	}
	if err != nil {
		s.log.Warn("timer table write failed", logx.String("schedule", op.timer.ScheduleID), logx.Bool("delete", op.delete), logx.Err(err))
	}
}
