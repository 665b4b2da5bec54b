package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/eventbus"
	logx "rosterd/pkg/logx"
)

func TestMetricsTrackLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	mt := &manualTimers{}
	s := New(Config{Metrics: m}, logx.Nop(), eventbus.New())
	s.afterFunc = mt.afterFunc
	t.Cleanup(s.Close)

	hold := newGate()
	running, err := s.RunTask("wallets", hold, time.Second, WithChannel("esi"))
	require.NoError(t, err)
	waitStarted(t, hold)

	queued, err := s.RunTask("assets", noop(), time.Second, WithChannel("esi"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("esi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.started.WithLabelValues("wallets")))

	q := s.QueuedJobs()
	require.Len(t, q["esi"], 1)
	assert.Same(t, queued, q["esi"][0])

	// Time the first job out: the queue drains while its executor keeps going.
	require.Equal(t, 1, mt.fireAll())
	waitDone(t, queued)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timedOut.WithLabelValues("wallets")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("esi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("assets", "success")))
	assert.Empty(t, s.QueuedJobs())

	hold.open()
	waitDone(t, running)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("wallets", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetricsCountFailuresAndStalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(Config{Metrics: m}, logx.Nop(), nil)
	t.Cleanup(s.Close)

	holdA := newGate()
	a, err := s.RunTask("contracts", holdA, time.Minute, WithChannel("esi"))
	require.NoError(t, err)
	waitStarted(t, holdA)

	fail := ExecutorFunc(func(context.Context, *sql.DB, *Job) error { return assert.AnError })
	queued, err := s.RunTask("journal", fail, time.Minute, WithChannel("esi"))
	require.NoError(t, err)

	// An unchanneled request for the queued name runs on its own.
	holdB := newGate()
	loose, err := s.RunTask("journal", holdB, time.Minute)
	require.NoError(t, err)
	require.NotSame(t, queued, loose)
	waitStarted(t, holdB)

	// "esi" frees up but its only queued name is busy: stalled.
	holdA.open()
	waitDone(t, a)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stalls.WithLabelValues("esi")))
	assert.Equal(t, StatusQueued, queued.Status())

	holdB.open()
	waitDone(t, loose)
	waitDone(t, queued)
	assert.Equal(t, ResultFailure, queued.Result())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("journal", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("journal", "success")))

	problems, err := testutil.GatherAndLint(reg)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.jobStarted("x")
	m.jobFinished("x", ResultSuccess, time.Second)
	m.jobTimedOut("x")
	m.setRunning(1)
	m.setQueueDepth("c", 1)
	m.channelStalled("c")
}
