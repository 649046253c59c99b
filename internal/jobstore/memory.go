package jobstore

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	timers map[string]Timer
}

// NewMemory returns a process-local timer table.
func NewMemory() Store {
	return &memoryStore{timers: map[string]Timer{}}
}

func (m *memoryStore) Load(ctx context.Context) (map[string]Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Timer, len(m.timers))
	for k, v := range m.timers {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) Save(ctx context.Context, t Timer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = time.Now().UnixMilli()
	}
	m.mu.Lock()
	m.timers[t.ScheduleID] = t
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, scheduleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.timers, scheduleID)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }
