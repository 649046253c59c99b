package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that defaults cannot repair.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Server.RatePerSec < 0 {
		errs = append(errs, errors.New("server.rate_per_sec: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"server.read_timeout":      c.Server.ReadTimeout,
		"server.write_timeout":     c.Server.WriteTimeout,
		"server.idle_timeout":      c.Server.IdleTimeout,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"job_store.busy_timeout":   c.JobStore.BusyTimeout,
		"executor.default_timeout": c.Executor.DefaultTimeout,
		"actions.fetch.timeout":    c.Actions.Fetch.Timeout,
	} {
		if _, err := Duration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported %q (want file or memory)", c.Store.Driver))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path: %q must start with /", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

// Location resolves the scheduler timezone, falling back to Local.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
