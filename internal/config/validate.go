package config

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	logx "rosterd/pkg/logx"
)

var taskNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("taskname", func(fl validator.FieldLevel) bool {
			return taskNameRegex.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			_, ok := logx.ParseLevel(fl.Field().String())
			return ok
		})
		validate = v
	})
	return validate
}

// Validate checks cfg on its own: struct tags, durations, timezone and
// cross-field rules. Checks that need other packages (schedule syntax,
// task kinds) are layered on top by the caller through SetValidator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.Newf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.Newf("storage.dsn is required for driver %q", cfg.Storage.Driver))
		}
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrapf(err, "scheduler.timezone %q", tz))
		}
	}
	_, err = ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.stall_warn_every", cfg.Scheduler.StallWarnEvery)
	add(err)

	seen := make(map[string]struct{}, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if _, dup := seen[t.Name]; dup {
			add(errors.Newf("tasks: duplicate name %q", t.Name))
		}
		seen[t.Name] = struct{}{}
		_, err := ParseDurationField("tasks["+t.Name+"].timeout", t.Timeout)
		add(err)
	}

	a := cfg.Admin
	for _, f := range [][2]string{
		{"admin.read_timeout", a.ReadTimeout},
		{"admin.write_timeout", a.WriteTimeout},
		{"admin.idle_timeout", a.IdleTimeout},
	} {
		_, err := ParseDurationField(f[0], f[1])
		add(err)
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(errors.New("notifier.token is required when the notifier is enabled"))
		}
		if n.ChatID == 0 {
			add(errors.New("notifier.chat_id is required when the notifier is enabled"))
		}
	}

	return errors.Join(errs...)
}
