package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/eventbus"
	"rosterd/internal/jobs"
	"rosterd/internal/storage"
	"rosterd/internal/trigger"
	logx "rosterd/pkg/logx"
)

type fixture struct {
	sched   *jobs.Scheduler
	trig    *trigger.Service
	bus     eventbus.Bus
	store   storage.Store
	reg     *prometheus.Registry
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New(), reg: prometheus.NewRegistry(), release: make(chan struct{})}

	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/runs"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	f.store = st

	f.sched = jobs.New(jobs.Config{Metrics: jobs.NewMetrics(f.reg)}, logx.Nop(), f.bus)
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		f.sched.Close()
	})

	block := jobs.ExecutorFunc(func(ctx context.Context, _ *sql.DB, _ *jobs.Job) error {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
		return nil
	})
	f.trig = trigger.New(trigger.Config{}, f.sched, logx.Nop())
	require.NoError(t, f.trig.Apply(trigger.Config{}, []trigger.Definition{
		{Name: "wallets", Timeout: time.Minute, Channel: "esi", Executor: block},
		{Name: "assets", Timeout: time.Minute, Channel: "esi", Executor: block},
	}))
	return f
}

func (f *fixture) handler(token string) http.Handler {
	return newRouter(Deps{
		Jobs:     f.sched,
		Tasks:    f.trig,
		Store:    f.store,
		Bus:      f.bus,
		Gatherer: f.reg,
	}, token, true, newHTTPMetrics(f.reg), logx.Nop())
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPprofBehindToken(t *testing.T) {
	f := newFixture(t)
	h := f.handler("s3cret")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/", nil).Code)
	rec := do(t, h, http.MethodGet, "/debug/pprof/", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestHealthzIsOpen(t *testing.T) {
	h := newFixture(t).handler("s3cret")
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTokenAuth(t *testing.T) {
	h := newFixture(t).handler("s3cret")
	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/jobs", nil, http.StatusUnauthorized},
		{"wrong bearer", "/jobs", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic scheme", "/jobs", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"bearer", "/jobs", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/jobs?token=s3cret", nil, http.StatusOK},
		{"metrics guarded", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, tt.hdr)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRunTaskAndIntrospection(t *testing.T) {
	f := newFixture(t)
	h := f.handler("")

	rec := do(t, h, http.MethodPost, "/tasks/wallets/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var first jobs.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "wallets", first.Task)
	assert.Equal(t, "esi", first.Channel)

	// Same name joins the existing job.
	rec = do(t, h, http.MethodPost, "/tasks/wallets/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var again jobs.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, first.ID, again.ID)

	rec = do(t, h, http.MethodPost, "/tasks/assets/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/tasks/contracts/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var running struct {
		Jobs []jobs.Info `json:"jobs"`
	}
	rec = do(t, h, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &running))
	require.Len(t, running.Jobs, 1)
	assert.Equal(t, "wallets", running.Jobs[0].Task)

	var queued struct {
		Channels []jobs.ChannelInfo     `json:"channels"`
		Queues   map[string][]jobs.Info `json:"queues"`
	}
	rec = do(t, h, http.MethodGet, "/jobs/queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.Len(t, queued.Queues["esi"], 1)
	assert.Equal(t, "assets", queued.Queues["esi"][0].Task)
	require.Len(t, queued.Channels, 1)
	esi := queued.Channels[0]
	assert.Equal(t, "esi", esi.Name)
	require.NotNil(t, esi.Running)
	assert.Equal(t, "wallets", esi.Running.Task)
	assert.Equal(t, jobs.StatusRunning, esi.Running.Status)
	require.Len(t, esi.Queued, 1)
	assert.Equal(t, "assets", esi.Queued[0].Task)
	assert.Contains(t, rec.Body.String(), `"channels":[{"name":"esi","running":{`)

	rec = do(t, h, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"wallets"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rosterd_jobs_running 1")
	assert.Contains(t, rec.Body.String(), `rosterd_admin_http_requests_total{method="POST",path="/tasks/{name}/run",status="202"}`)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	h := f.handler("")
	ctx := context.Background()
	for _, name := range []string{"wallets", "assets", "wallets"} {
		id, err := f.store.StartJob(ctx, name)
		require.NoError(t, err)
		require.NoError(t, f.store.FinishJob(ctx, id, "success"))
	}

	var body struct {
		Runs []storage.JobRun `json:"runs"`
	}
	rec := do(t, h, http.MethodGet, "/jobs/history?task=wallets&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "wallets", body.Runs[0].TaskName)
	assert.Equal(t, int64(3), body.Runs[0].ID)

	rec = do(t, h, http.MethodGet, "/jobs/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/jobs/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noStore := newRouter(Deps{Jobs: f.sched, Tasks: f.trig}, "", false, newHTTPMetrics(nil), logx.Nop())
	rec = do(t, noStore, http.MethodGet, "/jobs/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler("s3cret"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/events?token=s3cret"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	// The server greets once its bus subscription is live.
	var ev struct {
		Type string        `json:"type"`
		Data jobs.JobEvent `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	require.Equal(t, TypeStreamOpen, ev.Type)

	_, err = f.trig.RunNow("wallets")
	require.NoError(t, err)
	for ev.Type != eventbus.TypeJobStarted {
		require.NoError(t, wsjson.Read(ctx, c, &ev))
	}
	assert.Equal(t, "wallets", ev.Data.Job.Task)
	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
}

func TestServiceLifecycle(t *testing.T) {
	f := newFixture(t)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Jobs: f.sched, Tasks: f.trig}, prometheus.NewRegistry(), logx.Nop())

	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, s.Loops(), 1)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Nil(t, s.Addr())
	assert.Nil(t, s.Loops())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9311"))
	assert.True(t, isLoopbackAddr("localhost:9311"))
	assert.True(t, isLoopbackAddr("[::1]:9311"))
	assert.False(t, isLoopbackAddr(":9311"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9311"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
