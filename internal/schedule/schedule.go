package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"diffido/internal/trigger"
)

var (
	// ErrInvalidTrigger is returned when a trigger is missing or fails to parse.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrNotFound is returned for operations on an id the store does not hold.
	ErrNotFound = errors.New("schedule not found")
	// ErrStorageUnavailable wraps I/O failures of the schedule store.
	ErrStorageUnavailable = errors.New("schedule storage unavailable")
	// ErrIDRequired is returned when an operation needs an id and got none.
	ErrIDRequired = errors.New("schedule id required")
)

// Schedule is a persisted job definition.
//
// Name, Description, ActionParameters and Metadata are opaque to the engine
// and round-trip unchanged.
type Schedule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	Description      string         `json:"description,omitempty"`
	Trigger          *trigger.Spec  `json:"trigger"`
	Enabled          *bool          `json:"enabled,omitempty"`
	ActionParameters map[string]any `json:"action_parameters,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// IsEnabled reports whether the schedule should be armed. A missing flag means enabled.
func (s Schedule) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Validate checks the trigger in loc. Errors wrap ErrInvalidTrigger.
func (s Schedule) Validate(loc *time.Location) error {
	if err := trigger.Validate(s.Trigger, loc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, unwrapInvalid(err))
	}
	return nil
}

func unwrapInvalid(err error) string {
	return strings.TrimPrefix(err.Error(), trigger.ErrInvalid.Error()+": ")
}

// Clone returns a deep copy so callers can't mutate stored state through
// shared maps or pointers.
func (s Schedule) Clone() Schedule {
	out := s
	if s.Trigger != nil {
		t := *s.Trigger
		out.Trigger = &t
	}
	if s.Enabled != nil {
		b := *s.Enabled
		out.Enabled = &b
	}
	out.ActionParameters = cloneMap(s.ActionParameters)
	out.Metadata = cloneMap(s.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Document is the persisted form of the whole schedule set.
//
// LastID is the allocation high-water mark: ids are never reused, even after
// the schedule holding the highest id is deleted.
type Document struct {
	Schedules map[string]Schedule `json:"schedules"`
	LastID    int64               `json:"last_id,omitempty"`
}

// NextID returns the id for a new schedule: one greater than the largest
// numeric id ever allocated, or "1" for an empty set. Non-numeric ids are ignored.
func (d *Document) NextID() string {
	hi := d.LastID
	for id := range d.Schedules {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		if n > hi {
			hi = n
		}
	}
	return strconv.FormatInt(hi+1, 10)
}

// SortedIDs orders ids numerically first, then lexically.
func SortedIDs(m map[string]Schedule) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}
