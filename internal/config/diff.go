package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rosterd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or DSNs),
// and (3) the names of tasks that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is only opened at startup; surface the change so operators know
	// a restart is needed.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
			logx.String("scheduler.stall_warn_every", strings.TrimSpace(newCfg.Scheduler.StallWarnEvery)),
		)
	}

	tasks := changedTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.count", len(newCfg.Tasks)),
			logx.Strs("tasks.changed", tasks),
		)
	}

	// Admin (never log token)
	oa, na := oldCfg.Admin, newCfg.Admin
	if oa.Enabled != na.Enabled ||
		strings.TrimSpace(oa.Addr) != strings.TrimSpace(na.Addr) ||
		oa.AllowInsecure != na.AllowInsecure ||
		oa.ReadTimeout != na.ReadTimeout ||
		oa.WriteTimeout != na.WriteTimeout ||
		oa.IdleTimeout != na.IdleTimeout ||
		oa.Token != na.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
			logx.Bool("admin.allow_insecure", na.AllowInsecure),
			logx.Bool("admin.pprof", na.Pprof),
		)
	}

	// Notifier (never log token). nil means disabled.
	var oldN, newN NotifierConfig
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Int64("notifier.chat_id", newN.ChatID),
			logx.Int("notifier.thread_id", newN.ThreadID),
			logx.Int("notifier.rate_per_min", newN.RatePerMin),
		)
	}

	return changed, attrs, tasks
}

func changedTasks(oldTasks, newTasks []TaskConfig) []string {
	oldByName := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		oldByName[t.Name] = t
	}
	var out []string
	seen := make(map[string]struct{}, len(newTasks))
	for _, t := range newTasks {
		seen[t.Name] = struct{}{}
		prev, ok := oldByName[t.Name]
		if !ok || !reflect.DeepEqual(prev, t) {
			out = append(out, t.Name)
		}
	}
	for name := range oldByName {
		if _, ok := seen[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
