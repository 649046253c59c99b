package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"diffido/internal/schedule"
	logx "diffido/pkg/logx"
)

type docStore struct {
	mu     sync.Mutex
	b      backend
	loc    *time.Location
	log    logx.Logger
	closed bool
}

func newDocStore(b backend, cfg Config, log logx.Logger) *docStore {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &docStore{b: b, loc: loc, log: log}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, schedule.ErrStorageUnavailable, err)
}

// loadLocked must be called with mu held.
func (s *docStore) loadLocked(op string) (*schedule.Document, error) {
	if s.closed {
		return nil, fmt.Errorf("%s: %w: store closed", op, schedule.ErrStorageUnavailable)
	}
	doc, err := s.b.load()
	if err != nil {
		return nil, unavailable(op, err)
	}
	return doc, nil
}

func (s *docStore) saveLocked(op string, doc *schedule.Document) error {
	if err := s.b.save(doc); err != nil {
		s.log.Error("schedule store write failed", logx.String("op", op), logx.Err(err))
		return unavailable(op, err)
	}
	return nil
}

func (s *docStore) List(ctx context.Context) (map[string]schedule.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return map[string]schedule.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked("list")
	if err != nil {
		return map[string]schedule.Schedule{}, err
	}
	return doc.Schedules, nil
}

func (s *docStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return schedule.Schedule{}, schedule.ErrIDRequired
	}
	if err := ctx.Err(); err != nil {
		return schedule.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked("get")
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc, ok := doc.Schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return sc, nil
}

func (s *docStore) Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	if err := sc.Validate(s.loc); err != nil {
		return schedule.Schedule{}, err
	}
	if err := ctx.Err(); err != nil {
		return schedule.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked("create")
	if err != nil {
		return schedule.Schedule{}, err
	}

	id := doc.NextID()
	n, _ := strconv.ParseInt(id, 10, 64)
	doc.LastID = n

	sc = sc.Clone()
	sc.ID = id
	doc.Schedules[id] = sc
	if err := s.saveLocked("create", doc); err != nil {
		return schedule.Schedule{}, err
	}
	s.log.Debug("schedule created", logx.String("id", id))
	return sc.Clone(), nil
}

func (s *docStore) Update(ctx context.Context, id string, sc schedule.Schedule) (schedule.Schedule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return schedule.Schedule{}, schedule.ErrIDRequired
	}
	if err := ctx.Err(); err != nil {
		return schedule.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked("update")
	if err != nil {
		return schedule.Schedule{}, err
	}
	if _, ok := doc.Schedules[id]; !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	if err := sc.Validate(s.loc); err != nil {
		return schedule.Schedule{}, err
	}

	sc = sc.Clone()
	sc.ID = id
	doc.Schedules[id] = sc
	if err := s.saveLocked("update", doc); err != nil {
		return schedule.Schedule{}, err
	}
	s.log.Debug("schedule updated", logx.String("id", id))
	return sc.Clone(), nil
}

func (s *docStore) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, schedule.ErrIDRequired
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked("delete")
	if err != nil {
		return false, err
	}
	if _, ok := doc.Schedules[id]; !ok {
		return false, nil
	}
	// Keep the high-water mark even when the document held no explicit one.
	if n, err := strconv.ParseInt(doc.NextID(), 10, 64); err == nil {
		doc.LastID = n - 1
	}
	delete(doc.Schedules, id)
	if err := s.saveLocked("delete", doc); err != nil {
		return false, err
	}
	s.log.Debug("schedule deleted", logx.String("id", id))
	return true, nil
}

func (s *docStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.b.close()
}
