package config

import (
	"reflect"
	"sort"

	logx "diffido/pkg/logx"
)

// liveSections can be applied without a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"server.rate": true,
}

// SummarizeConfigChange returns the changed sections (sorted) and safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging || oldCfg.Server.Debug != newCfg.Server.Debug {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("server.debug", newCfg.Server.Debug),
		)
	}

	if oldCfg.Server.RatePerSec != newCfg.Server.RatePerSec || oldCfg.Server.RateBurst != newCfg.Server.RateBurst {
		changed = append(changed, "server.rate")
		attrs = append(attrs,
			logx.Float64("server.rate_per_sec", newCfg.Server.RatePerSec),
			logx.Int("server.rate_burst", newCfg.Server.RateBurst),
		)
	}

	o, n := oldCfg.Server, newCfg.Server
	o.RatePerSec, o.RateBurst, o.Debug = 0, 0, false
	n.RatePerSec, n.RateBurst, n.Debug = 0, 0, false
	if o != n {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.address", newCfg.Server.Address), logx.Int("server.port", newCfg.Server.Port))
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", newCfg.Store.Driver))
	}
	if oldCfg.JobStore != newCfg.JobStore {
		// Never log the URL: it may carry credentials.
		changed = append(changed, "job_store")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs, logx.Int("executor.workers", newCfg.Executor.Workers))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Actions, newCfg.Actions) {
		changed = append(changed, "actions")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
