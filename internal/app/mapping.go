package app

import (
	"strings"

	"github.com/cockroachdb/errors"

	"rosterd/internal/admin"
	"rosterd/internal/config"
	"rosterd/internal/notifier"
	"rosterd/internal/storage"
	"rosterd/internal/tasks"
	"rosterd/internal/trigger"
	logx "rosterd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		MaxConns:    cfg.Storage.MaxConns,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapNotifierConfig also returns the bot token, which the notifier itself
// never sees.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, ""
	}
	token := strings.TrimSpace(nc.Token)
	return notifier.Config{
		Enabled:       nc.Enabled && token != "",
		ChatID:        nc.ChatID,
		ThreadID:      nc.ThreadID,
		RatePerMin:    nc.RatePerMin,
		NotifyPartial: nc.NotifyPartial,
	}, token
}

// buildDefinitions turns the enabled tasks into trigger definitions.
func buildDefinitions(cfg *config.Config, cat *tasks.Catalog) ([]trigger.Definition, error) {
	defs := make([]trigger.Definition, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.Disabled {
			continue
		}
		timeout, err := cfg.TaskTimeout(t)
		if err != nil {
			return nil, err
		}
		exec, err := cat.Build(t.Kind, t.Params)
		if err != nil {
			return nil, errors.Wrapf(err, "tasks[%s]", t.Name)
		}
		defs = append(defs, trigger.Definition{
			Name:     t.Name,
			Schedule: t.Schedule,
			Timeout:  timeout,
			Channel:  t.Channel,
			Silent:   t.Silent,
			Executor: exec,
		})
	}
	return defs, nil
}

// checkTasks validates kinds, params and schedules. Disabled tasks are
// checked too so enabling one later can't fail a reload.
func checkTasks(cfg *config.Config, cat *tasks.Catalog) error {
	var errs []error
	for _, t := range cfg.Tasks {
		if !cat.Has(t.Kind) {
			errs = append(errs, errors.Wrapf(tasks.ErrUnknownKind, "tasks[%s]: %q", t.Name, t.Kind))
			continue
		}
		if _, err := cat.Build(t.Kind, t.Params); err != nil {
			errs = append(errs, errors.Wrapf(err, "tasks[%s]", t.Name))
		}
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			errs = append(errs, errors.Wrapf(err, "tasks[%s].schedule", t.Name))
		}
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured job-run log on its own, for commands that
// only read history. It returns storage.ErrDisabled when storage is off.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, storage.ErrDisabled
	}
	return st, nil
}
