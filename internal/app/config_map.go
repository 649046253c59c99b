package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"diffido/internal/action"
	"diffido/internal/api"
	"diffido/internal/config"
	"diffido/internal/jobstore"
	"diffido/internal/storage"
	"diffido/internal/task/executor"
	logx "diffido/pkg/logx"
)

// Overrides are command line values that win over the config file.
type Overrides struct {
	Address string
	Port    int
	SSLCert string
	SSLKey  string
	Debug   bool
}

func (o Overrides) apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(o.Address) != "" {
		cfg.Server.Address = o.Address
	}
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if strings.TrimSpace(o.SSLCert) != "" {
		cfg.Server.SSLCert = o.SSLCert
	}
	if strings.TrimSpace(o.SSLKey) != "" {
		cfg.Server.SSLKey = o.SSLKey
	}
	if o.Debug {
		cfg.Server.Debug = true
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	level := cfg.Logging.Level
	if cfg.Server.Debug {
		level = "DEBUG"
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) storage.Config {
	return storage.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		Location: loc,
	}
}

func mapJobStoreConfig(cfg *config.Config) (jobstore.Config, error) {
	busy, err := config.Duration("job_store.busy_timeout", cfg.JobStore.BusyTimeout, 0)
	if err != nil {
		return jobstore.Config{}, err
	}
	return jobstore.Config{URL: cfg.JobStore.URL, BusyTimeout: busy}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.Duration("executor.default_timeout", cfg.Executor.DefaultTimeout, 0)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		HistorySize:    cfg.Executor.HistorySize,
		DefaultTimeout: timeout,
	}, nil
}

func mapFetchConfig(cfg *config.Config) (action.FetchConfig, error) {
	timeout, err := config.Duration("actions.fetch.timeout", cfg.Actions.Fetch.Timeout, 0)
	if err != nil {
		return action.FetchConfig{}, err
	}
	return action.FetchConfig{
		Timeout:      timeout,
		UserAgent:    cfg.Actions.Fetch.UserAgent,
		MaxBodyBytes: cfg.Actions.Fetch.MaxBodyBytes,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	var out api.Config
	var err error
	if out.ReadTimeout, err = config.Duration("server.read_timeout", cfg.Server.ReadTimeout, 0); err != nil {
		return api.Config{}, err
	}
	if out.WriteTimeout, err = config.Duration("server.write_timeout", cfg.Server.WriteTimeout, 0); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.Duration("server.idle_timeout", cfg.Server.IdleTimeout, 0); err != nil {
		return api.Config{}, err
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return api.Config{}, fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
	}
	out.Addr = net.JoinHostPort(strings.TrimSpace(cfg.Server.Address), strconv.Itoa(cfg.Server.Port))
	out.CertFile = cfg.Server.SSLCert
	out.KeyFile = cfg.Server.SSLKey
	out.RatePerSec = cfg.Server.RatePerSec
	out.RateBurst = cfg.Server.RateBurst
	out.Debug = cfg.Server.Debug
	out.MetricsPath = cfg.Metrics.Path
	return out, nil
}
