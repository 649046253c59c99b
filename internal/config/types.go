package config

// Config is the on-disk configuration of the diffido daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Every section may be omitted; Defaults fills the gaps.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	JobStore  JobStoreConfig  `json:"job_store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Metrics   MetricsConfig   `json:"metrics"`
	Actions   ActionsConfig   `json:"actions"`
}

// ServerConfig controls the HTTP API listener.
//
// TLS is enabled only when both SSLCert and SSLKey point at existing files.
type ServerConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	SSLCert string `json:"ssl_cert"`
	SSLKey  string `json:"ssl_key"`
	Debug   bool   `json:"debug"`

	// RatePerSec <= 0 disables request rate limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the schedule store.
//
//	"store": { "driver": "file", "path": "conf/schedules.json" }
type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// JobStoreConfig points at the timer table database.
//
// URL forms: "sqlite:///conf/jobs.db", "postgres://user:pw@host/db?sslmode=disable", "memory".
type JobStoreConfig struct {
	URL         string `json:"url"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name used to evaluate cron triggers. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig controls the job worker pool.
//
// Defaults: workers 4, queue_size 256, history_size 200, default_timeout "0s" (none).
type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type ActionsConfig struct {
	Fetch FetchConfig `json:"fetch"`
}

type FetchConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

const (
	DefaultPort       = 3210
	DefaultSSLCert    = "ssl/diffido_cert.pem"
	DefaultSSLKey     = "ssl/diffido_key.pem"
	DefaultStorePath  = "conf/schedules.json"
	DefaultJobStore   = "sqlite:///conf/jobs.db"
	DefaultMetricPath = "/metrics"
)

// Defaults returns the configuration used when no config file is given.
func Defaults() *Config {
	cfg := &Config{}
	cfg.Logging.Console = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.SSLCert == "" {
		c.Server.SSLCert = DefaultSSLCert
	}
	if c.Server.SSLKey == "" {
		c.Server.SSLKey = DefaultSSLKey
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.JobStore.URL == "" {
		c.JobStore.URL = DefaultJobStore
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 256
	}
	if c.Executor.HistorySize <= 0 {
		c.Executor.HistorySize = 200
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "diffido"
	}
}
