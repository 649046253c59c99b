// Package trigger converts stored trigger specifications (interval, cron,
// date) into next-fire-time functions.
//
// Parsing is pure: the same Spec always yields the same schedule, and every
// validation failure wraps ErrInvalid so callers reject bad input at write
// time instead of at fire time.
package trigger
