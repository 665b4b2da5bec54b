// Package app wires the daemon: config, logging, storage, the job scheduler,
// the cron trigger, the admin server and the notifier.
package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rosterd/internal/admin"
	"rosterd/internal/config"
	"rosterd/internal/eventbus"
	"rosterd/internal/jobs"
	"rosterd/internal/notifier"
	"rosterd/internal/storage"
	"rosterd/internal/tasks"
	"rosterd/internal/trigger"
	logx "rosterd/pkg/logx"
)

// Option customizes New.
type Option func(*options)

type options struct {
	kinds     map[string]tasks.Factory
	newSender func(token string) (notifier.Sender, error)
}

// WithKind registers an extra task kind next to the built-ins.
func WithKind(kind string, f tasks.Factory) Option {
	return func(o *options) { o.kinds[kind] = f }
}

// WithSender replaces the Telegram sender constructor.
func WithSender(fn func(token string) (notifier.Sender, error)) Option {
	return func(o *options) { o.newSender = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		kinds: map[string]tasks.Factory{},
		newSender: func(token string) (notifier.Sender, error) {
			return notifier.NewTelegramSender(token)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newCatalog(deps tasks.Deps, o options) (*tasks.Catalog, error) {
	cat := tasks.Builtin(deps)
	for kind, f := range o.kinds {
		if err := cat.Register(kind, f); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

type App struct {
	opts options

	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	catalog *tasks.Catalog
	reg     *prometheus.Registry
	bus     eventbus.Bus

	sched *jobs.Scheduler
	trig  *trigger.Service
	admin *admin.Service
	notif *notifier.Service

	// token the current notifier sender was built with
	notifToken string
}

// CheckConfig loads and validates the file without opening anything.
func CheckConfig(cfgPath string, opts ...Option) (*config.Config, error) {
	o := buildOptions(opts)
	cfgm := config.NewConfigManager(cfgPath)
	if err := installValidator(cfgm, o); err != nil {
		return nil, err
	}
	return cfgm.Load()
}

// installValidator checks task kinds, params and schedules on load and on
// every reload. The probe catalog has no store; factories only decode.
func installValidator(cfgm *config.ConfigManager, o options) error {
	probe, err := newCatalog(tasks.Deps{}, o)
	if err != nil {
		return err
	}
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkTasks(cfg, probe)
	})
	return nil
}

func New(cfgPath string, opts ...Option) (_ *App, err error) {
	a := &App{opts: buildOptions(opts)}
	a.cfgm = config.NewConfigManager(cfgPath)
	if err := installValidator(a.cfgm, a.opts); err != nil {
		return nil, err
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg))
	a.cfgm.SetLogger(a.log)
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(stCfg, a.log); err != nil {
		return nil, err
	}

	if a.catalog, err = newCatalog(tasks.Deps{Store: a.store, Log: a.log}, a.opts); err != nil {
		return nil, err
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.bus = eventbus.New()

	stallEvery, err := config.ParseDurationOrDefault("scheduler.stall_warn_every", cfg.Scheduler.StallWarnEvery, config.DefaultStallWarnEvery)
	if err != nil {
		return nil, err
	}
	jcfg := jobs.Config{
		DB:             storage.SQLDB(a.store),
		Metrics:        jobs.NewMetrics(a.reg),
		StallWarnEvery: stallEvery,
	}
	if a.store != nil {
		jcfg.Sink = storeSink{st: a.store}
	}
	a.sched = jobs.New(jcfg, a.log.With(logx.String("comp", "jobs")), a.bus)

	defs, err := buildDefinitions(cfg, a.catalog)
	if err != nil {
		return nil, err
	}
	tcfg := trigger.Config{Timezone: cfg.Scheduler.Timezone}
	a.trig = trigger.New(tcfg, a.sched, a.log)
	if err := a.trig.Apply(tcfg, defs); err != nil {
		return nil, err
	}

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(acfg, admin.Deps{
		Jobs:     a.sched,
		Tasks:    a.trig,
		Store:    a.store,
		Bus:      a.bus,
		Gatherer: a.reg,
	}, a.reg, a.log)

	ncfg, token := mapNotifierConfig(cfg)
	sender, err := a.sender(token)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, sender, a.bus, a.log)
	return a, nil
}

func (a *App) sender(token string) (notifier.Sender, error) {
	if token == "" || token == a.notifToken {
		return nil, nil
	}
	s, err := a.opts.newSender(token)
	if err != nil {
		return nil, err
	}
	a.notifToken = token
	return s, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Run serves until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.trig.Start()
	a.admin.Start(gctx)
	a.notif.Start(gctx)

	sub := a.cfgm.Subscribe(8)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(gctx, sub)
		return nil
	})
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { a.eventLog(gctx); return nil })
	g.Go(func() error { a.systemdLoop(gctx); return nil })

	a.log.Info("rosterd started",
		logx.String("config", a.cfgm.Path()),
		logx.Strs("tasks", a.trig.Names()),
		logx.Bool("storage", a.store != nil),
	)
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	a.Stop(sctx)
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedTasks := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(name string) bool { return slices.Contains(sections, name) }

	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg != nil && oldCfg.Scheduler.StallWarnEvery != newCfg.Scheduler.StallWarnEvery {
		a.log.Warn("scheduler.stall_warn_every changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if has("scheduler") || has("tasks") {
		defs, err := buildDefinitions(newCfg, a.catalog)
		if err == nil {
			err = a.trig.Apply(trigger.Config{Timezone: newCfg.Scheduler.Timezone}, defs)
		}
		if err != nil {
			a.log.Error("task definitions not applied", logx.Err(err))
		} else if len(changedTasks) > 0 {
			a.log.Debug("task definitions applied", logx.Strs("tasks", changedTasks))
		}
	}

	if has("admin") {
		acfg, err := mapAdminConfig(newCfg)
		if err != nil {
			a.log.Error("admin config not applied", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, acfg)
		}
	}

	if has("notifier") {
		ncfg, token := mapNotifierConfig(newCfg)
		sender, err := a.sender(token)
		if err != nil {
			a.log.Error("notifier sender not rebuilt; keeping the previous one", logx.Err(err))
		}
		a.notif.Apply(ncfg, sender)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// eventLog mirrors bus traffic into the debug log.
func (a *App) eventLog(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(128)
	defer unsub()
	log := a.log.With(logx.String("comp", "eventbus"))
	for {
		select {
		case <-ctx.Done():
			if n := eventbus.Dropped(a.bus); n > 0 {
				log.Info("bus events dropped by slow subscribers", logx.Uint64("dropped", n))
			}
			return
		case ev := <-ch:
			if !log.Enabled(logx.LevelDebug) {
				continue
			}
			log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

// systemdLoop reports readiness and feeds the watchdog when running under
// a Type=notify unit. Outside systemd every call is a no-op.
func (a *App) systemdLoop(ctx context.Context) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// RunTask triggers a configured task and waits for it to finish.
func (a *App) RunTask(ctx context.Context, name string) (jobs.Info, error) {
	j, err := a.trig.RunNow(name)
	if err != nil {
		return jobs.Info{}, err
	}
	select {
	case <-j.Done():
		return j.Info(), nil
	case <-ctx.Done():
		return j.Info(), ctx.Err()
	}
}

// Stop shuts components down in dependency order. Every step is bounded so
// one stuck component can't stall the rest.
func (a *App) Stop(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "admin", 3*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "jobs", 10*time.Second, func(c context.Context) error {
		a.sched.Close()
		return a.sched.Wait(c)
	})

	a.log.Info("stopped")
	a.closeResources()
}

// Close releases what New opened, for callers that never Run.
func (a *App) Close(ctx context.Context) {
	if a.sched != nil {
		a.sched.Close()
		_ = a.sched.Wait(ctx)
	}
	a.closeResources()
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
