// Package scheduler owns the set of armed timers.
//
// A single loop goroutine holds every armed timer in a min-heap keyed by next
// fire time. Arm, disarm, fire and completion all run on that goroutine, so
// the timer set needs no locks. At fire time the schedule is handed to the
// executor and immediately re-armed from the current time; missed fires are
// never backfilled.
//
// Execution itself happens in internal/task/executor.
package scheduler
