package notifier

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/eventbus"
	"rosterd/internal/jobs"
	logx "rosterd/pkg/logx"
)

type sent struct {
	chatID   int64
	threadID int
	text     string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, threadID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{chatID, threadID, text})
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.text)
	}
	return out
}

func finished(task string, r jobs.Result, errs, warns []string) eventbus.Event {
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return eventbus.Event{Type: eventbus.TypeJobFinished, Data: jobs.JobEvent{Job: jobs.Info{
		ID: 7, Task: task, Channel: "esi", Status: jobs.StatusFinished, Result: r,
		StartTime: start, FinishTime: start.Add(1500 * time.Millisecond),
		Errors: errs, Warnings: warns,
	}}}
}

func TestFormatAlert(t *testing.T) {
	tests := []struct {
		name    string
		ev      eventbus.Event
		partial bool
		want    string
	}{
		{"success is quiet", finished("wallets", jobs.ResultSuccess, nil, nil), true, ""},
		{"partial off", finished("wallets", jobs.ResultPartial, nil, []string{"slow"}), false, ""},
		{"partial on", finished("wallets", jobs.ResultPartial, nil, []string{"slow"}), true,
			"⚠️ wallets finished with warnings (job #7, channel esi) after 1.5s\nwarnings:\n  - slow"},
		{"failure", finished("assets", jobs.ResultFailure, []string{"esi 502"}, nil), false,
			"🚨 assets failed (job #7, channel esi) after 1.5s\nerrors:\n  - esi 502"},
		{"queued ignored", eventbus.Event{Type: eventbus.TypeJobQueued, Data: jobs.JobEvent{}}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			je := tt.ev.Data.(jobs.JobEvent)
			assert.Equal(t, tt.want, formatAlert(tt.ev.Type, je.Job, tt.partial))
		})
	}

	many := make([]string, 8)
	for i := range many {
		many[i] = "e"
	}
	out := formatAlert(eventbus.TypeJobFinished, finished("x", jobs.ResultFailure, many, nil).Data.(jobs.JobEvent).Job, false)
	assert.Contains(t, out, "… 3 more")
}

func TestServiceSendsFailuresAndTimeouts(t *testing.T) {
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(Config{Enabled: true, ChatID: -100, ThreadID: 3, RatePerMin: 600}, fs, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	// Drive real events through the scheduler.
	sched := jobs.New(jobs.Config{}, logx.Nop(), bus)
	t.Cleanup(sched.Close)

	fail := jobs.ExecutorFunc(func(context.Context, *sql.DB, *jobs.Job) error { return errors.New("esi 502") })
	ok := jobs.ExecutorFunc(func(context.Context, *sql.DB, *jobs.Job) error { return nil })
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	slow := jobs.ExecutorFunc(func(context.Context, *sql.DB, *jobs.Job) error { <-hang; return nil })

	_, err := sched.RunTask("contracts", fail, time.Minute)
	require.NoError(t, err)
	_, err = sched.RunTask("wallets", ok, time.Minute)
	require.NoError(t, err)
	_, err = sched.RunTask("killmails", slow, 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(fs.texts()) == 2 }, 5*time.Second, 10*time.Millisecond)
	texts := fs.texts()
	assert.True(t, containsPrefix(texts, "🚨 contracts failed"), "%q", texts)
	assert.True(t, containsPrefix(texts, "⏱ killmails timed out"), "%q", texts)
	fs.mu.Lock()
	assert.Equal(t, int64(-100), fs.msgs[0].chatID)
	assert.Equal(t, 3, fs.msgs[0].threadID)
	fs.mu.Unlock()
	assert.Len(t, s.History(), 2)
}

func containsPrefix(texts []string, prefix string) bool {
	for _, t := range texts {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func TestRateLimitSuppressesAndReports(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	fs := &fakeSender{}
	s := New(Config{Enabled: true, ChatID: 1, RatePerMin: 1}, fs, bus, logx.Nop())
	ctx := context.Background()

	s.handle(ctx, finished("a", jobs.ResultFailure, nil, nil))
	s.handle(ctx, finished("b", jobs.ResultFailure, nil, nil))
	s.handle(ctx, finished("c", jobs.ResultFailure, nil, nil))
	require.Len(t, fs.texts(), 1)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{TypeNotifierSent, TypeNotifierSuppressed, TypeNotifierSuppressed}, types)

	// Refill and check the carry-over note.
	s.mu.Lock()
	s.limiter.SetBurst(2)
	s.limiter.SetLimit(1000)
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	s.handle(ctx, finished("d", jobs.ResultFailure, nil, nil))
	texts := fs.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "(+2 alerts suppressed)")
}

func TestDisabledOrFailingSender(t *testing.T) {
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(Config{Enabled: false}, fs, bus, logx.Nop())
	assert.False(t, s.Enabled())
	s.handle(context.Background(), finished("a", jobs.ResultFailure, nil, nil))
	assert.Empty(t, fs.texts())

	assert.False(t, New(Config{Enabled: true}, nil, bus, logx.Nop()).Enabled())

	events, unsub := bus.Subscribe(8)
	defer unsub()
	fs.err = errors.New("403 forbidden")
	s.Apply(Config{Enabled: true, ChatID: 1}, nil)
	assert.True(t, s.Enabled())
	s.handle(context.Background(), finished("a", jobs.ResultFailure, nil, nil))
	ev := <-events
	assert.Equal(t, TypeNotifierFailed, ev.Type)
	assert.Equal(t, "403 forbidden", ev.Data.(NotificationEvent).Error)
	assert.Empty(t, s.History())
}
