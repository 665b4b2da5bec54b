package jobs

import (
	"context"
	"database/sql"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"rosterd/internal/eventbus"
	logx "rosterd/pkg/logx"
)

const (
	defaultStallWarnEvery = 30 * time.Second
	// sinkTimeout bounds each sink call. Sink calls outlive Close so runs
	// cut short by shutdown are still recorded as finished.
	sinkTimeout = 10 * time.Second
)

// Sink is the durable job-run log. It is record keeping only: scheduling
// decisions never depend on it, and its failures are logged and ignored.
type Sink interface {
	StartJob(ctx context.Context, taskName string) (logID int64, err error)
	FinishJob(ctx context.Context, logID int64, result Result) error
}

// Config wires the scheduler's collaborators. Every field is optional.
type Config struct {
	// Sink records job starts/finishes. nil disables persistence.
	Sink Sink
	// DB is the shared session passed to every executor.
	DB *sql.DB
	// Metrics may be nil.
	Metrics *Metrics
	// StallWarnEvery throttles "channel stalled" warnings per channel.
	StallWarnEvery time.Duration
}

type timer interface {
	Stop() bool
}

type runOptions struct {
	channel string
	silent  bool
}

// RunOption customizes a RunTask call.
type RunOption func(*runOptions)

// WithChannel serializes the job with every other job of the same channel.
func WithChannel(name string) RunOption {
	return func(o *runOptions) { o.channel = strings.TrimSpace(name) }
}

// Silent suppresses the start/success log lines. Failures are always logged.
func Silent() RunOption {
	return func(o *runOptions) { o.silent = true }
}

// Scheduler admits, serializes and supervises named jobs in-process.
//
// Guarantees:
//   - at most one job per task name is running at a time;
//   - a channel runs at most one job at a time, promoting its queue in FIFO order;
//   - a job that outlives its timeout is disowned (its name and channel slot are
//     freed) but its executor is not cancelled.
//
// All bookkeeping happens under mu at four decision points (admission,
// promotion, finish, timeout). Sink calls, executors, logging and event
// publishing run outside of it.
type Scheduler struct {
	log     logx.Logger
	bus     eventbus.Bus
	sink    Sink
	db      *sql.DB
	metrics *Metrics

	stallWarnEvery rate.Limit

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	running  map[string]*Job
	channels map[string]*channel
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	every := cfg.StallWarnEvery
	if every <= 0 {
		every = defaultStallWarnEvery
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:            log,
		bus:            bus,
		sink:           cfg.Sink,
		db:             cfg.DB,
		metrics:        cfg.Metrics,
		stallWarnEvery: rate.Every(every),
		now:            time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		ctx:      ctx,
		cancel:   cancel,
		running:  map[string]*Job{},
		channels: map[string]*channel{},
	}
}

// RunTask requests an execution of the named task.
//
// If a job with the same name is running, or (for channeled requests) is
// already queued in the same channel, that job is returned and no new
// execution happens. Otherwise a new job is created and either started
// right away (no channel) or queued in its channel.
//
// Only invalid arguments and a closed scheduler produce errors; task failures
// are recorded on the job.
func (s *Scheduler) RunTask(name string, exec Executor, timeout time.Duration, opts ...RunOption) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(ErrInvalidTask, "task name is required")
	}
	if exec == nil {
		return nil, errors.Wrapf(ErrInvalidTask, "task %q: executor is nil", name)
	}
	if timeout <= 0 {
		return nil, errors.Wrapf(ErrInvalidTask, "task %q: timeout must be > 0", name)
	}
	var ro runOptions
	for _, o := range opts {
		if o != nil {
			o(&ro)
		}
	}

	var (
		launch  []*Job
		stalled []string
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if j := s.running[name]; j != nil {
		s.mu.Unlock()
		return j, nil
	}
	if ro.channel != "" {
		if j := s.channelLocked(ro.channel).queued(name); j != nil {
			s.mu.Unlock()
			return j, nil
		}
	}

	s.nextID++
	j := newJob(s.nextID, name, ro, timeout, exec, s.now())
	if ro.channel == "" {
		s.executeLocked(j)
		launch = append(launch, j)
	} else {
		ch := s.channelLocked(ro.channel)
		ch.queue = append(ch.queue, j)
		launch, stalled = s.tryRunNextLocked(ch, launch, stalled)
		s.metrics.setQueueDepth(ch.name, len(ch.queue))
	}
	s.mu.Unlock()

	s.publish(eventbus.TypeJobQueued, j)
	s.reportStalls(stalled)
	s.launch(launch)
	return j, nil
}

// RunningJobs returns the jobs currently holding a running slot, ordered by
// execution ID. Timed-out jobs are not included even if their executor is
// still working.
func (s *Scheduler) RunningJobs() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.running))
	for _, j := range s.running {
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// QueuedJobs returns the non-empty channel queues keyed by channel name, in
// promotion order.
func (s *Scheduler) QueuedJobs() map[string][]*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*Job, len(s.channels))
	for name, ch := range s.channels {
		if len(ch.queue) == 0 {
			continue
		}
		out[name] = append([]*Job(nil), ch.queue...)
	}
	return out
}

// Channels returns a snapshot of every channel seen so far, sorted by name.
func (s *Scheduler) Channels() []ChannelInfo {
	s.mu.Lock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Close stops admitting jobs, disarms pending timeouts and cancels the
// context handed to executors. Queued jobs stay queued and never run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, j := range s.running {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every launched executor has returned or ctx is done.
// Abandoned (timed-out) executors are waited for as well.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) channelLocked(name string) *channel {
	ch := s.channels[name]
	if ch == nil {
		ch = newChannel(name, s.stallWarnEvery)
		s.channels[name] = ch
	}
	return ch
}

// executeLocked claims the running slot for j. The asynchronous part of the
// execution starts in launch, after mu is released.
func (s *Scheduler) executeLocked(j *Job) {
	invariant(j.Status() == StatusQueued, "execute job %d (%s): status is %s", j.id, j.name, j.Status())
	_, busy := s.running[j.name]
	invariant(!busy, "execute job %d: task %q is already running", j.id, j.name)

	s.running[j.name] = j
	if j.channel != "" {
		s.channelLocked(j.channel).running = j
	}
	s.metrics.setRunning(len(s.running))
}

// removeLocked releases j's running slot and channel slot.
func (s *Scheduler) removeLocked(j *Job) {
	invariant(s.running[j.name] == j, "remove job %d: task %q is not in the running set", j.id, j.name)
	delete(s.running, j.name)
	if j.channel != "" {
		ch := s.channels[j.channel]
		invariant(ch != nil && ch.running == j, "remove job %d: not running in channel %q", j.id, j.channel)
		ch.running = nil
	}
	s.metrics.setRunning(len(s.running))
}

// tryRunNextLocked promotes the first queued job of ch whose name is not
// running anywhere. Promoted jobs are appended to launch; a channel that has
// work but nothing promotable is appended to stalled.
func (s *Scheduler) tryRunNextLocked(ch *channel, launch []*Job, stalled []string) ([]*Job, []string) {
	if ch.running != nil {
		return launch, stalled
	}
	j := ch.next(func(name string) bool {
		_, busy := s.running[name]
		return busy
	})
	if j != nil {
		s.executeLocked(j)
		return append(launch, j), stalled
	}
	if len(ch.queue) > 0 {
		s.metrics.channelStalled(ch.name)
		if ch.stallWarn.Allow() {
			stalled = append(stalled, ch.name)
		}
	}
	return launch, stalled
}

// unstallLocked re-attempts promotion on every channel. Task names are
// global, so freeing one slot may unblock a job in any channel.
func (s *Scheduler) unstallLocked() ([]*Job, []string) {
	if s.closed {
		return nil, nil
	}
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		launch  []*Job
		stalled []string
	)
	for _, name := range names {
		ch := s.channels[name]
		launch, stalled = s.tryRunNextLocked(ch, launch, stalled)
		s.metrics.setQueueDepth(ch.name, len(ch.queue))
	}
	return launch, stalled
}

func (s *Scheduler) launch(jobs []*Job) {
	for _, j := range jobs {
		s.wg.Add(1)
		go func(j *Job) {
			defer s.wg.Done()
			s.run(j)
		}(j)
	}
}

// run is the asynchronous half of an execution. j already holds its
// running slot.
func (s *Scheduler) run(j *Job) {
	ctx := s.ctx
	log := s.log.With(logx.String("task", j.name), logx.Uint64("job", j.id))
	if j.channel != "" {
		log = log.With(logx.String("channel", j.channel))
	}

	var (
		logID int64
		hasID bool
	)
	if s.sink != nil {
		sctx, cancel := s.sinkContext()
		id, err := s.sink.StartJob(sctx, j.name)
		cancel()
		if err != nil {
			log.Error("job log start failed", logx.Err(err))
		} else {
			logID, hasID = id, true
		}
	}

	s.mu.Lock()
	start := s.now()
	if err := j.markRunning(start, logID, hasID); err != nil {
		s.mu.Unlock()
		invariant(false, "start job: %v", err)
	}
	j.timer = s.afterFunc(j.timeout, func() { s.timeoutJob(j) })
	s.mu.Unlock()

	s.metrics.jobStarted(j.name)
	s.publish(eventbus.TypeJobStarted, j)
	if !j.silent {
		log.Info("job.started", logx.Duration("timeout", j.timeout))
	} else {
		log.Debug("job.started", logx.Duration("timeout", j.timeout))
	}

	if err := s.invoke(ctx, j, log); err != nil {
		j.Errorf("%v", err)
		log.Error("job executor failed", logx.Err(err))
	}

	finish := s.now()
	result := j.classify(finish)
	took := finish.Sub(start)
	s.metrics.jobFinished(j.name, result, took)
	s.logFinish(log, j, result, took)

	if s.sink != nil {
		if hasID {
			sctx, cancel := s.sinkContext()
			err := s.sink.FinishJob(sctx, logID, result)
			cancel()
			if err != nil {
				log.Error("job log finish failed", logx.Int64("log_id", logID), logx.Err(err))
			}
		} else {
			log.Warn("job log finish skipped: start was not recorded")
		}
	}

	var (
		launch  []*Job
		stalled []string
	)
	s.mu.Lock()
	if !j.TimedOut() {
		if j.timer != nil {
			j.timer.Stop()
		}
		s.removeLocked(j)
		launch, stalled = s.unstallLocked()
	}
	j.markFinished()
	s.mu.Unlock()
	close(j.done)

	s.publish(eventbus.TypeJobFinished, j)
	s.reportStalls(stalled)
	s.launch(launch)
}

func (s *Scheduler) sinkContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), sinkTimeout)
}

// invoke runs the executor, turning a panic into an error so one bad task
// can't take the scheduler down.
func (s *Scheduler) invoke(ctx context.Context, j *Job, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.exec.Execute(ctx, s.db, j)
}

// timeoutJob disowns j: its name and channel slot are freed for new work,
// while its executor keeps running.
func (s *Scheduler) timeoutJob(j *Job) {
	var (
		launch  []*Job
		stalled []string
	)
	s.mu.Lock()
	// Lost the race against a normal finish, or Close disarmed the timer.
	if j.Status() != StatusRunning || j.TimedOut() || s.running[j.name] != j {
		s.mu.Unlock()
		return
	}
	s.removeLocked(j)
	j.markTimedOut()
	launch, stalled = s.unstallLocked()
	s.mu.Unlock()

	s.metrics.jobTimedOut(j.name)
	s.log.Warn("job.timeout",
		logx.String("task", j.name),
		logx.Uint64("job", j.id),
		logx.String("channel", j.channel),
		logx.Duration("timeout", j.timeout),
	)
	s.publish(eventbus.TypeJobTimeout, j)
	s.reportStalls(stalled)
	s.launch(launch)
}

func (s *Scheduler) logFinish(log logx.Logger, j *Job, result Result, took time.Duration) {
	fields := []logx.Field{
		logx.String("result", result.String()),
		logx.Duration("dur", took),
		logx.Bool("timed_out", j.TimedOut()),
	}
	switch result {
	case ResultFailure:
		fields = append(fields, logx.Strs("errors", j.Errors()))
		if w := j.Warnings(); len(w) > 0 {
			fields = append(fields, logx.Strs("warnings", w))
		}
		log.Warn("job.failed", fields...)
	case ResultPartial:
		fields = append(fields, logx.Strs("warnings", j.Warnings()))
		if j.silent {
			log.Debug("job.finished", fields...)
		} else {
			log.Info("job.finished", fields...)
		}
	default:
		if j.silent {
			log.Debug("job.finished", fields...)
		} else {
			log.Info("job.finished", fields...)
		}
	}
}

func (s *Scheduler) reportStalls(channels []string) {
	for _, name := range channels {
		s.log.Warn("channel.stalled: every queued task is running elsewhere", logx.String("channel", name))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeChannelStalled, Time: s.now(), Data: StallEvent{Channel: name}})
		}
	}
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	Job Info `json:"job"`
}

// StallEvent is the bus payload for channel.stalled.
type StallEvent struct {
	Channel string `json:"channel"`
}

func (s *Scheduler) publish(typ string, j *Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: JobEvent{Job: j.Info()}})
}
