package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tasks are the periodic job definitions handed to the trigger.
	Tasks []TaskConfig `json:"tasks" validate:"dive"`

	Admin    AdminConfig     `json:"admin,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,loglevel"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the job-run log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/rosterd.sqlite" }
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3 postgres postgresql pgx"`
	Path   string `json:"path,omitempty"`
	// DSN is the pgx connection string (postgres only). Never logged.
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int    `json:"max_conns,omitempty" validate:"gte=0"`
}

// SchedulerConfig holds scheduler-wide defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// Timezone for cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout applies to tasks without their own timeout. Default: "10m".
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// StallWarnEvery throttles "channel stalled" warnings per channel. Default: "30s".
	StallWarnEvery string `json:"stall_warn_every,omitempty"`
}

// TaskConfig declares one periodic task.
//
// Schedule accepts cron ("*/5 * * * *", optional seconds field), "@every 10m",
// plain Go durations ("15m") and "HH:MM" intervals. An empty schedule means
// the task only runs on demand (admin API or `rosterd run`).
type TaskConfig struct {
	Name     string         `json:"name" validate:"required,taskname"`
	Kind     string         `json:"kind" validate:"required"`
	Schedule string         `json:"schedule,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Channel  string         `json:"channel,omitempty" validate:"omitempty,taskname"`
	Silent   bool           `json:"silent,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// AdminConfig controls the HTTP admin server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9311").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9311"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof exposes /debug/pprof on the admin server.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls Telegram alerts for failed and timed-out jobs.
// The notifier is off when the section is omitted or the token is empty.
type NotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty" validate:"gte=0"`
	// RatePerMin caps outgoing messages. Default: 20.
	RatePerMin int `json:"rate_per_min,omitempty" validate:"gte=0"`
	// NotifyPartial also alerts on jobs that finished with warnings.
	NotifyPartial bool `json:"notify_partial,omitempty"`
}

// Task returns the definition named name, if any.
func (c *Config) Task(name string) (TaskConfig, bool) {
	if c == nil {
		return TaskConfig{}, false
	}
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}
