package tasks

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/jobs"
	"rosterd/pkg/systemdmanager"
)

type fakeUnits struct {
	states    map[string]string
	restarted []string
	closed    bool
}

func (f *fakeUnits) Status(_ context.Context, unit string) (systemdmanager.UnitStatus, error) {
	name := systemdmanager.UnitName(unit)
	state, ok := f.states[unit]
	switch {
	case !ok:
		return systemdmanager.UnitStatus{Name: name, ActiveState: "unknown", LoadState: "not-found"}, nil
	case state == "error":
		return systemdmanager.UnitStatus{}, errors.New("bus timeout")
	}
	return systemdmanager.UnitStatus{Name: name, ActiveState: state, SubState: "dead", LoadState: "loaded"}, nil
}

func (f *fakeUnits) Restart(_ context.Context, unit string) error {
	f.restarted = append(f.restarted, unit)
	return nil
}

func (f *fakeUnits) Close() error { f.closed = true; return nil }

func TestSystemdUnit(t *testing.T) {
	fu := &fakeUnits{states: map[string]string{"web": "active", "worker": "failed", "cron": "inactive"}}
	dial := func(context.Context) (UnitManager, error) { return fu, nil }
	cat := Builtin(Deps{Units: dial})

	exec, err := cat.Build(KindSystemdUnit, map[string]any{"units": []any{"web"}})
	require.NoError(t, err)
	j := runOnce(t, "units", exec)
	assert.Equal(t, jobs.ResultSuccess, j.Result())
	assert.True(t, fu.closed)

	exec, err = cat.Build(KindSystemdUnit, map[string]any{"units": []any{"web", "worker", "cron"}, "restart_failed": true})
	require.NoError(t, err)
	j = runOnce(t, "units", exec)
	assert.Equal(t, jobs.ResultPartial, j.Result())
	assert.Equal(t, []string{"worker"}, fu.restarted)
	assert.Equal(t, []string{
		"worker.service was failed; restarted",
		"cron.service is inactive (dead)",
	}, j.Info().Warnings)

	exec, err = cat.Build(KindSystemdUnit, map[string]any{"units": []any{"ghost", "flaky"}})
	require.NoError(t, err)
	fu.states["flaky"] = "error"
	j = runOnce(t, "units", exec)
	assert.Equal(t, jobs.ResultFailure, j.Result())
	assert.Len(t, j.Info().Errors, 2)

	_, err = cat.Build(KindSystemdUnit, map[string]any{"units": []any{}})
	assert.Error(t, err)

	down := Builtin(Deps{Units: func(context.Context) (UnitManager, error) { return nil, errors.New("no bus") }})
	exec, err = down.Build(KindSystemdUnit, map[string]any{"units": []any{"web"}})
	require.NoError(t, err)
	assert.Equal(t, jobs.ResultFailure, runOnce(t, "units", exec).Result())
}
