package trigger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"rosterd/internal/jobs"
	logx "rosterd/pkg/logx"
)

// ErrUnknownTask is returned by RunNow for a name with no definition.
var ErrUnknownTask = errors.New("unknown task")

// Runner is the part of the job scheduler the trigger needs.
type Runner interface {
	RunTask(name string, exec jobs.Executor, timeout time.Duration, opts ...jobs.RunOption) (*jobs.Job, error)
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Definition is one task the trigger knows about.
type Definition struct {
	Name     string
	Schedule string // see ParseSchedule; empty means on-demand only
	Timeout  time.Duration
	Channel  string
	Silent   bool
	Executor jobs.Executor
}

func (d Definition) runOptions() []jobs.RunOption {
	opts := make([]jobs.RunOption, 0, 2)
	if d.Channel != "" {
		opts = append(opts, jobs.WithChannel(d.Channel))
	}
	if d.Silent {
		opts = append(opts, jobs.Silent())
	}
	return opts
}

type scheduleDef struct {
	Definition
	spec          ParsedSpec
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	runner Runner

	c    *cron.Cron
	defs map[string]*scheduleDef

	now func() time.Time

	// Run error throttling: key is task name.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Kind          string        `json:"kind"`
	Spec          string        `json:"spec,omitempty"`
	Channel       string        `json:"channel,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func New(cfg Config, runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "trigger")),
		runner:      runner,
		defs:        map[string]*scheduleDef{},
		now:         time.Now,
		lastErrWarn: map[string]time.Time{},
	}
}

// Apply replaces the definitions and config. Every schedule is parsed before
// anything changes, so a bad definition leaves the previous set in place.
// A timezone change restarts cron; otherwise only changed entries are
// re-registered.
func (s *Service) Apply(cfg Config, defs []Definition) error {
	next := make(map[string]*scheduleDef, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return errors.New("trigger: definition name required")
		}
		if d.Executor == nil {
			return errors.Newf("trigger: %s: executor required", d.Name)
		}
		if d.Timeout <= 0 {
			return errors.Newf("trigger: %s: timeout must be > 0", d.Name)
		}
		if _, dup := next[d.Name]; dup {
			return errors.Newf("trigger: duplicate definition %q", d.Name)
		}
		ps, err := ParseSchedule(d.Schedule)
		if err != nil {
			return errors.Wrapf(err, "trigger: %s", d.Name)
		}
		next[d.Name] = &scheduleDef{Definition: d, spec: ps}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil || tzChanged {
		s.defs = next
		if s.c != nil {
			s.restartLocked()
		}
		return nil
	}

	for name, old := range s.defs {
		nd, keep := next[name]
		if keep && old.Schedule == nd.Schedule {
			// Same trigger: keep the cron entry (and its spread) but pick up
			// the new executor, timeout and options on the next tick.
			nd.entryID = old.entryID
			nd.startupSpread = old.startupSpread
			continue
		}
		if old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
	}
	s.defs = next
	for _, d := range s.defs {
		if d.entryID == 0 {
			s.addCronLocked(d)
		}
	}
	return nil
}

// Start starts cron triggering. It is a no-op if already started.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("definitions", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, name := range s.namesLocked() {
		s.addCronLocked(s.defs[name])
	}
	s.c.Start()
}

// Stop stops cron triggering. Jobs already handed to the scheduler are not
// affected. Definitions stay so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow hands a registered definition to the scheduler immediately. Like a
// tick, it joins an already running or queued job of the same name.
func (s *Service) RunNow(name string) (*jobs.Job, error) {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	var def Definition
	if ok {
		def = d.Definition
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "%q", name)
	}
	return s.runner.RunTask(def.Name, def.Executor, def.Timeout, def.runOptions()...)
}

// Names lists the registered definitions, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	for _, name := range s.namesLocked() {
		d := s.defs[name]
		it := ScheduleInfo{
			Name:          d.Name,
			Kind:          d.spec.Kind.String(),
			Spec:          strings.TrimSpace(d.Schedule),
			Channel:       d.Channel,
			Timeout:       d.Timeout,
			StartupSpread: d.startupSpread,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

// addCronLocked registers d with the running cron. Manual definitions and
// one-shots in the past are kept but never fire.
func (s *Service) addCronLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { s.fire(d.Name) })
	now := s.now().In(s.loc)

	d.startupSpread = 0
	switch d.spec.Kind {
	case SpecManual:
		return
	case SpecInterval:
		sched, jitter := intervalWithSpread(d.spec.Every, now, d.Name)
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
	case SpecOnce:
		if !d.spec.At.After(now) {
			s.log.Warn("one-shot time already passed; not scheduling",
				logx.String("task", d.Name), logx.Time("at", d.spec.At))
			return
		}
		d.entryID = s.c.Schedule(onceSchedule{at: d.spec.At}, job)
	case SpecCron:
		eid, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			// ParseSchedule already validated the expression.
			s.log.Error("schedule register failed", logx.String("task", d.Name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return
		}
		d.entryID = eid
	}

	if s.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{
			logx.String("task", d.Name),
			logx.String("kind", d.spec.Kind.String()),
			logx.Duration("timeout", d.Timeout),
		}
		if d.spec.Kind == SpecCron {
			if next := previewNextRuns(d.spec.Cron, now, 4); next != "" {
				fields = append(fields, logx.String("next", next))
			}
		}
		if d.startupSpread > 0 {
			fields = append(fields, logx.Duration("startup_spread", d.startupSpread))
		}
		s.log.Debug("schedule registered", fields...)
	}
}

// fire is the cron callback. It re-reads the definition so hot-reloaded
// executors and options apply without re-registering the entry.
func (s *Service) fire(name string) {
	s.mu.Lock()
	d, ok := s.defs[name]
	var def Definition
	if ok {
		def = d.Definition
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	firedAt := s.now()
	j, err := s.runner.RunTask(def.Name, def.Executor, def.Timeout, def.runOptions()...)
	if err != nil {
		s.reportRunError(def.Name, err)
		return
	}
	if j.QueuedAt().Before(firedAt) {
		s.log.Debug("trigger joined existing job",
			logx.String("task", def.Name),
			logx.Uint64("job", j.ID()),
			logx.String("status", j.Status().String()),
		)
	}
}

const runErrWarnThrottle = 5 * time.Second

func (s *Service) reportRunError(name string, err error) {
	if errors.Is(err, jobs.ErrClosed) {
		s.log.Debug("trigger skipped: scheduler closed", logx.String("task", name))
		return
	}
	now := s.now()
	s.errMu.Lock()
	last := s.lastErrWarn[name]
	if !last.IsZero() && now.Sub(last) < runErrWarnThrottle {
		s.errMu.Unlock()
		return
	}
	s.lastErrWarn[name] = now
	s.errMu.Unlock()

	s.log.Warn("trigger failed to run task", logx.String("task", name), logx.Err(err))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Don't wait for in-flight callbacks: fire takes mu.
		s.c.Stop()
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("definitions", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRuns returns a short, human-friendly list of upcoming run times.
func previewNextRuns(spec string, from time.Time, n int) string {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return ""
	}
	t := from
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
