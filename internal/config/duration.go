package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

const (
	DefaultTaskTimeout    = 10 * time.Minute
	DefaultStallWarnEvery = 30 * time.Second
)

// TaskTimeout resolves a task's timeout: its own, else the scheduler default,
// else DefaultTaskTimeout.
func (c *Config) TaskTimeout(t TaskConfig) (time.Duration, error) {
	def, err := ParseDurationOrDefault("scheduler.default_timeout", c.Scheduler.DefaultTimeout, DefaultTaskTimeout)
	if err != nil {
		return 0, err
	}
	return ParseDurationOrDefault("tasks["+t.Name+"].timeout", t.Timeout, def)
}
