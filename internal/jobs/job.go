package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Status is a job's position in the queued → running → finished state machine.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "queued":
		*s = StatusQueued
	case "running":
		*s = StatusRunning
	case "finished":
		*s = StatusFinished
	default:
		return errors.Newf("unknown job status %q", b)
	}
	return nil
}

// Result is the outcome classification computed once a job's executor returns.
type Result int

const (
	ResultPending Result = iota
	ResultSuccess
	ResultPartial
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return ""
	case ResultSuccess:
		return "success"
	case ResultPartial:
		return "partial"
	case ResultFailure:
		return "failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Result) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = ResultPending
		return nil
	}
	v, ok := ParseResult(string(b))
	if !ok {
		return errors.Newf("unknown job result %q", b)
	}
	*r = v
	return nil
}

// ParseResult is the inverse of Result.String for non-pending values.
func ParseResult(s string) (Result, bool) {
	switch s {
	case "success":
		return ResultSuccess, true
	case "partial":
		return ResultPartial, true
	case "failure":
		return ResultFailure, true
	default:
		return ResultPending, false
	}
}

// Executor is an opaque unit of work. It reports problems through job.Warnf
// and job.Errorf, or by returning an error. db is the shared session handed to
// every executor; it may be nil when the daemon runs without a database.
//
// ctx is cancelled only on scheduler shutdown, never on job timeout.
type Executor interface {
	Execute(ctx context.Context, db *sql.DB, job *Job) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, db *sql.DB, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, db *sql.DB, job *Job) error {
	return f(ctx, db, job)
}

// Job is one execution attempt of a named task.
//
// Scheduling state is owned by the Scheduler. Callers and executors get the
// same *Job but can only read it and append warnings/errors.
type Job struct {
	id       uint64
	name     string
	channel  string
	silent   bool
	timeout  time.Duration
	exec     Executor
	queuedAt time.Time
	done     chan struct{}

	// guarded by Scheduler.mu
	timer timer

	mu         sync.Mutex
	status     Status
	startTime  time.Time
	finishTime time.Time
	logID      int64
	hasLogID   bool
	timedOut   bool
	result     Result
	warnings   []string
	errors     []string
}

func newJob(id uint64, name string, opt runOptions, timeout time.Duration, exec Executor, now time.Time) *Job {
	return &Job{
		id:       id,
		name:     name,
		channel:  opt.channel,
		silent:   opt.silent,
		timeout:  timeout,
		exec:     exec,
		queuedAt: now,
		done:     make(chan struct{}),
		status:   StatusQueued,
	}
}

func (j *Job) ID() uint64             { return j.id }
func (j *Job) TaskName() string       { return j.name }
func (j *Job) Channel() string        { return j.channel }
func (j *Job) Silent() bool           { return j.silent }
func (j *Job) Timeout() time.Duration { return j.timeout }
func (j *Job) QueuedAt() time.Time    { return j.queuedAt }

// Done is closed once the executor has returned and the job is finished.
// A timed-out job's Done still waits for its executor.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) TimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.timedOut
}

func (j *Job) StartTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startTime
}

func (j *Job) FinishTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishTime
}

// LogID returns the persistence sink handle, if the sink acknowledged the start.
func (j *Job) LogID() (int64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logID, j.hasLogID
}

// Result is ResultPending until the executor has returned.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

func (j *Job) Warnings() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.warnings...)
}

func (j *Job) Errors() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.errors...)
}

// Warnf records a non-fatal problem. A job with warnings and no errors
// finishes as partial.
func (j *Job) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.mu.Lock()
	j.warnings = append(j.warnings, msg)
	j.mu.Unlock()
}

// Errorf records a failure. It does not stop the executor; the job finishes
// as failure once the executor returns.
func (j *Job) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.mu.Lock()
	j.errors = append(j.errors, msg)
	j.mu.Unlock()
}

func (j *Job) markRunning(now time.Time, logID int64, ok bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return errors.Newf("job %d (%s) is %s, want queued", j.id, j.name, j.status)
	}
	j.status = StatusRunning
	j.startTime = now
	j.logID = logID
	j.hasLogID = ok
	return nil
}

func (j *Job) markTimedOut() {
	j.mu.Lock()
	j.timedOut = true
	j.mu.Unlock()
}

// classify freezes the outcome. Failure wins over partial, partial over success.
func (j *Job) classify(now time.Time) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case len(j.errors) > 0:
		j.result = ResultFailure
	case len(j.warnings) > 0:
		j.result = ResultPartial
	default:
		j.result = ResultSuccess
	}
	j.finishTime = now
	return j.result
}

func (j *Job) markFinished() {
	j.mu.Lock()
	j.status = StatusFinished
	j.mu.Unlock()
}

// Info is a JSON-friendly, point-in-time view of a job.
type Info struct {
	ID         uint64    `json:"id"`
	Task       string    `json:"task"`
	Channel    string    `json:"channel,omitempty"`
	Status     Status    `json:"status"`
	Result     Result    `json:"result,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	StartTime  time.Time `json:"start_time,omitempty"`
	FinishTime time.Time `json:"finish_time,omitempty"`
	LogID      int64     `json:"log_id,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
}

func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:         j.id,
		Task:       j.name,
		Channel:    j.channel,
		Status:     j.status,
		Result:     j.result,
		TimedOut:   j.timedOut,
		QueuedAt:   j.queuedAt,
		StartTime:  j.startTime,
		FinishTime: j.finishTime,
		LogID:      j.logID,
		Warnings:   append([]string(nil), j.warnings...),
		Errors:     append([]string(nil), j.errors...),
	}
}
