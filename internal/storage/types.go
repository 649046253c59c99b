package storage

import (
	"context"
	"time"

	"diffido/internal/schedule"
)

// Config configures the schedule store.
//
// Driver values:
//   - "file": a single JSON document rewritten atomically on every change
//   - "memory": process-local, lost on restart
type Config struct {
	Driver string
	Path   string
	// Location is used to validate cron triggers without their own timezone.
	Location *time.Location
}

// Store is the durable set of schedule definitions.
//
// Mutations are serialized; readers never observe a partially written document.
type Store interface {
	// List returns every schedule keyed by id. On read failure it returns an
	// empty map and an error wrapping schedule.ErrStorageUnavailable.
	List(ctx context.Context) (map[string]schedule.Schedule, error)
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	// Create validates the trigger, assigns a fresh id and persists s.
	// Any id carried by s is ignored.
	Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	// Update fully replaces the schedule stored under id.
	Update(ctx context.Context, id string, s schedule.Schedule) (schedule.Schedule, error)
	// Delete reports whether a schedule was removed. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}
