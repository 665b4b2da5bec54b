package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/config"
	"rosterd/internal/jobs"
	"rosterd/internal/storage"
	"rosterd/internal/tasks"
	"rosterd/internal/trigger"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func baseConfig(dir, tasksJSON string, admin bool) string {
	return fmt.Sprintf(`{
  "logging": {"level": "warn", "console": false},
  "storage": {"driver": "file", "path": %q},
  "scheduler": {"timezone": "UTC", "default_timeout": "1m"},
  "tasks": [%s],
  "admin": {"enabled": %t, "addr": "127.0.0.1:0"}
}`, filepath.Join(dir, "rosterd"), tasksJSON, admin)
}

func TestMapAdminConfig(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{
		Enabled: true, Addr: " 127.0.0.1:9400 ", Token: " t ", Pprof: true,
		ReadTimeout: "5s", IdleTimeout: "1m",
	}}
	ac, err := mapAdminConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9400", ac.Addr)
	assert.Equal(t, "t", ac.Token)
	assert.True(t, ac.Pprof)
	assert.Equal(t, 5*time.Second, ac.ReadTimeout)
	assert.Zero(t, ac.WriteTimeout)
	assert.Equal(t, time.Minute, ac.IdleTimeout)

	cfg.Admin.WriteTimeout = "soon"
	_, err = mapAdminConfig(cfg)
	assert.ErrorContains(t, err, "admin.write_timeout")
}

func TestMapStorageAndNotifier(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)

	nc, token := mapNotifierConfig(cfg)
	assert.False(t, nc.Enabled)
	assert.Empty(t, token)

	cfg.Notifier = &config.NotifierConfig{Enabled: true, ChatID: -5, RatePerMin: 3}
	nc, _ = mapNotifierConfig(cfg)
	assert.False(t, nc.Enabled, "no token means no notifier")

	cfg.Notifier.Token = " 1:abc "
	nc, token = mapNotifierConfig(cfg)
	assert.True(t, nc.Enabled)
	assert.Equal(t, "1:abc", token)
	assert.Equal(t, int64(-5), nc.ChatID)
	assert.Equal(t, 3, nc.RatePerMin)
}

func TestBuildDefinitions(t *testing.T) {
	cat := tasks.Builtin(tasks.Deps{})
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{DefaultTimeout: "2m"},
		Tasks: []config.TaskConfig{
			{Name: "wallets", Kind: tasks.KindSleep, Schedule: "@every 10m", Channel: "esi"},
			{Name: "assets", Kind: tasks.KindSleep, Timeout: "30s", Silent: true},
			{Name: "off", Kind: tasks.KindSleep, Disabled: true},
		},
	}
	defs, err := buildDefinitions(cfg, cat)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "wallets", defs[0].Name)
	assert.Equal(t, 2*time.Minute, defs[0].Timeout)
	assert.Equal(t, "esi", defs[0].Channel)
	assert.Equal(t, 30*time.Second, defs[1].Timeout)
	assert.True(t, defs[1].Silent)

	cfg.Tasks[0].Params = map[string]any{"bogus": 1}
	_, err = buildDefinitions(cfg, cat)
	assert.ErrorContains(t, err, "tasks[wallets]")
}

func TestCheckTasks(t *testing.T) {
	cat := tasks.Builtin(tasks.Deps{})
	cfg := &config.Config{Tasks: []config.TaskConfig{
		{Name: "a", Kind: "esi.wallets"},
		{Name: "b", Kind: tasks.KindSleep, Schedule: "every tuesday"},
		{Name: "c", Kind: tasks.KindHTTPProbe, Disabled: true},
		{Name: "d", Kind: tasks.KindSleep, Schedule: "*/5 * * * *"},
	}}
	err := checkTasks(cfg, cat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tasks.ErrUnknownKind))
	assert.Contains(t, err.Error(), "tasks[b].schedule")
	assert.Contains(t, err.Error(), "tasks[c]")
	assert.NotContains(t, err.Error(), "tasks[d]")
}

type recordingStore struct {
	storage.Store
	results []string
}

func (s *recordingStore) StartJob(context.Context, string) (int64, error) { return 41, nil }

func (s *recordingStore) FinishJob(_ context.Context, id int64, result string) error {
	s.results = append(s.results, fmt.Sprintf("%d:%s", id, result))
	return nil
}

func TestStoreSink(t *testing.T) {
	st := &recordingStore{}
	sink := storeSink{st: st}
	id, err := sink.StartJob(context.Background(), "wallets")
	require.NoError(t, err)
	require.NoError(t, sink.FinishJob(context.Background(), id, jobs.ResultPartial))
	assert.Equal(t, []string{"41:partial"}, st.results)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rosterd.json")
	writeConfig(t, path, baseConfig(dir, `{"name": "x", "kind": "esi.wallets"}`, false))
	_, err := CheckConfig(path)
	assert.True(t, errors.Is(err, tasks.ErrUnknownKind))

	noop := func(map[string]any) (jobs.Executor, error) {
		return jobs.ExecutorFunc(func(context.Context, *sql.DB, *jobs.Job) error { return nil }), nil
	}
	cfg, err := CheckConfig(path, WithKind("esi.wallets", noop))
	require.NoError(t, err)
	assert.Len(t, cfg.Tasks, 1)
}

func TestRunTaskRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rosterd.json")
	writeConfig(t, path, baseConfig(dir, `
    {"name": "nap", "kind": "sleep", "params": {"duration": "5ms"}},
    {"name": "broken", "kind": "esi.assets"}`, false))

	failing := func(map[string]any) (jobs.Executor, error) {
		return jobs.ExecutorFunc(func(context.Context, *sql.DB, *jobs.Job) error {
			return errors.New("esi 502")
		}), nil
	}
	a, err := New(path, WithKind("esi.assets", failing))
	require.NoError(t, err)

	ctx := context.Background()
	info, err := a.RunTask(ctx, "nap")
	require.NoError(t, err)
	assert.Equal(t, jobs.ResultSuccess, info.Result)

	info, err = a.RunTask(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, jobs.ResultFailure, info.Result)

	_, err = a.RunTask(ctx, "missing")
	assert.True(t, errors.Is(err, trigger.ErrUnknownTask))

	require.NotNil(t, a.Store())
	runs, err := a.Store().RecentRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "broken", runs[0].TaskName)
	assert.Equal(t, "failure", runs[0].Result)
	assert.Equal(t, "success", runs[1].Result)

	a.Close(ctx)
}

func TestRunServesAdminAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rosterd.json")
	writeConfig(t, path, baseConfig(dir, `{"name": "nap", "kind": "sleep"}`, true))

	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.admin.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + a.admin.Addr().String()

	resp, err := http.Post(base+"/tasks/nap/run", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	writeConfig(t, path, baseConfig(dir, `
    {"name": "nap", "kind": "sleep"},
    {"name": "nap2", "kind": "sleep", "schedule": "@every 1h"}`, true))
	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(a.trig.Names(), ","), "nap2")
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Nil(t, a.admin.Addr())
}
