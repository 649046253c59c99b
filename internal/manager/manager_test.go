package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"diffido/internal/schedule"
	"diffido/internal/storage"
	"diffido/internal/task/executor"
	"diffido/internal/task/scheduler"
	"diffido/internal/trigger"
	logx "diffido/pkg/logx"
)

type fakeEngine struct {
	mu       sync.Mutex
	synced   []string
	disarmed []string
	replaced []string
	err      error
}

func (e *fakeEngine) Sync(_ context.Context, s schedule.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synced = append(e.synced, s.ID)
	return e.err
}

func (e *fakeEngine) Disarm(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmed = append(e.disarmed, id)
	return e.err
}

func (e *fakeEngine) Replace(_ context.Context, list []schedule.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range list {
		e.replaced = append(e.replaced, s.ID)
	}
	return e.err
}

func (e *fakeEngine) Timer(_ context.Context, id string) (scheduler.TimerInfo, error) {
	return scheduler.TimerInfo{ScheduleID: id, Armed: true, NextFire: time.Unix(1700000000, 0)}, nil
}

type fakeHistory []executor.Record

func (h fakeHistory) History(id string, _ int) []executor.Record {
	var out []executor.Record
	for _, r := range h {
		if r.ScheduleID == id {
			out = append(out, r)
		}
	}
	return out
}

func newManager(t *testing.T, eng Engine, hist History) (*Manager, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, eng, hist, logx.Nop()), st
}

func everyMinute() schedule.Schedule {
	return schedule.Schedule{Trigger: &trigger.Spec{Type: trigger.KindInterval, Minutes: 1}}
}

func TestMutationsResyncEngine(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	m, _ := newManager(t, eng, nil)
	ctx := context.Background()

	a, err := m.Create(ctx, everyMinute())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := m.Update(ctx, a.ID, everyMinute()); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if _, err := m.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	// Deleting an unknown id still disarms.
	if removed, err := m.Delete(ctx, "42"); err != nil || removed {
		t.Fatalf("Delete(42) = %v, %v; want false, nil", removed, err)
	}

	if got := eng.synced; len(got) != 2 || got[0] != "1" || got[1] != "1" {
		t.Fatalf("synced = %v, want [1 1]", got)
	}
	if got := eng.disarmed; len(got) != 2 || got[0] != "1" || got[1] != "42" {
		t.Fatalf("disarmed = %v, want [1 42]", got)
	}
}

// gatedEngine tracks the armed set and can hold the first Sync open.
type gatedEngine struct {
	mu      sync.Mutex
	armed   map[string]bool
	entered chan struct{}
	release chan struct{}
	gated   bool
}

func newGatedEngine() *gatedEngine {
	return &gatedEngine{
		armed:   map[string]bool{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *gatedEngine) Sync(_ context.Context, s schedule.Schedule) error {
	e.mu.Lock()
	hold := e.gated
	e.gated = false
	e.mu.Unlock()
	if hold {
		close(e.entered)
		<-e.release
	}
	e.mu.Lock()
	e.armed[s.ID] = true
	e.mu.Unlock()
	return nil
}

func (e *gatedEngine) Disarm(_ context.Context, id string) error {
	e.mu.Lock()
	delete(e.armed, id)
	e.mu.Unlock()
	return nil
}

func (e *gatedEngine) Replace(ctx context.Context, list []schedule.Schedule) error {
	for _, s := range list {
		_ = e.Sync(ctx, s)
	}
	return nil
}

func (e *gatedEngine) Timer(_ context.Context, id string) (scheduler.TimerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return scheduler.TimerInfo{ScheduleID: id, Armed: e.armed[id]}, nil
}

func TestDeleteDuringUpdateResyncLeavesNothingArmed(t *testing.T) {
	t.Parallel()
	eng := newGatedEngine()
	m, st := newManager(t, eng, nil)
	ctx := context.Background()

	a, err := m.Create(ctx, everyMinute())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	eng.mu.Lock()
	eng.gated = true
	eng.mu.Unlock()

	updated := make(chan error, 1)
	go func() {
		_, err := m.Update(ctx, a.ID, everyMinute())
		updated <- err
	}()
	<-eng.entered

	deleted := make(chan error, 1)
	go func() {
		_, err := m.Delete(ctx, a.ID)
		deleted <- err
	}()

	select {
	case err := <-deleted:
		t.Fatalf("Delete() returned (%v) while Update was still resyncing", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(eng.release)

	if err := <-updated; err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if err := <-deleted; err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := st.Get(ctx, a.ID); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Get(%s) error = %v, want ErrNotFound", a.ID, err)
	}
	if ti, _ := eng.Timer(ctx, a.ID); ti.Armed {
		t.Fatalf("deleted schedule %s is still armed", a.ID)
	}
}

func TestRejectedMutationDoesNotTouchEngine(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	m, st := newManager(t, eng, nil)
	ctx := context.Background()

	bad := schedule.Schedule{Trigger: &trigger.Spec{Type: trigger.KindCron, Expression: "not-a-valid-expr"}}
	if _, err := m.Create(ctx, bad); !errors.Is(err, schedule.ErrInvalidTrigger) {
		t.Fatalf("Create() error = %v, want ErrInvalidTrigger", err)
	}
	if _, err := m.Update(ctx, "7", everyMinute()); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if all, _ := st.List(ctx); len(all) != 0 {
		t.Fatalf("store has %d schedules, want 0", len(all))
	}
	if len(eng.synced) != 0 {
		t.Fatalf("engine synced %v after rejected mutations", eng.synced)
	}
}

func TestEngineFailureKeepsMutation(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{err: scheduler.ErrNotRunning}
	m, st := newManager(t, eng, nil)
	ctx := context.Background()

	a, err := m.Create(ctx, everyMinute())
	if err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
	if _, err := st.Get(ctx, a.ID); err != nil {
		t.Fatalf("Get(%s) error: %v", a.ID, err)
	}
}

func TestLoadReplaysStore(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	m, st := newManager(t, eng, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.Create(ctx, everyMinute()); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := eng.replaced; len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Fatalf("replaced = %v, want [1 2 3]", got)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	hist := fakeHistory{
		{ID: "a", ScheduleID: "1", Outcome: executor.OutcomeSuccess},
		{ID: "b", ScheduleID: "2", Outcome: executor.OutcomeFailure},
	}
	m, _ := newManager(t, &fakeEngine{}, hist)
	ctx := context.Background()

	if _, err := m.Create(ctx, everyMinute()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	st, err := m.Status(ctx, "1")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !st.Timer.Armed || st.Schedule.ID != "1" {
		t.Fatalf("Status() = %+v, want armed schedule 1", st)
	}
	if len(st.Executions) != 1 || st.Executions[0].ID != "a" {
		t.Fatalf("Executions = %+v, want [a]", st.Executions)
	}

	if _, err := m.Status(ctx, "9"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Status(9) error = %v, want ErrNotFound", err)
	}
}
