package tasks

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"rosterd/internal/jobs"
	logx "rosterd/pkg/logx"
	"rosterd/pkg/systemdmanager"
)

// UnitManager is the part of systemdmanager.Manager the unit check uses.
type UnitManager interface {
	Status(ctx context.Context, unit string) (systemdmanager.UnitStatus, error)
	Restart(ctx context.Context, unit string) error
	Close() error
}

type UnitDialer func(ctx context.Context) (UnitManager, error)

func dialSystemd(ctx context.Context) (UnitManager, error) {
	m, err := systemdmanager.New(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type unitParams struct {
	Units []string `json:"units" validate:"required,min=1,dive,required"`
	// RestartFailed restarts units in the "failed" state.
	RestartFailed bool `json:"restart_failed"`
}

// systemdUnit checks that the units next to the daemon (web app, workers)
// are running. Inactive units are warnings; a failed restart is an error.
func systemdUnit(deps Deps) Factory {
	return func(params map[string]any) (jobs.Executor, error) {
		var p unitParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := validateParams(p); err != nil {
			return nil, err
		}
		log := deps.Log.With(logx.String("kind", KindSystemdUnit))
		return jobs.ExecutorFunc(func(ctx context.Context, _ *sql.DB, job *jobs.Job) error {
			m, err := deps.Units(ctx)
			if err != nil {
				return errors.Wrap(err, "systemd")
			}
			defer m.Close()

			for _, unit := range p.Units {
				st, err := m.Status(ctx, unit)
				switch {
				case err != nil:
					job.Errorf("%s: %v", unit, err)
					continue
				case st.NotFound():
					job.Errorf("%s: unit not found", st.Name)
					continue
				case st.Active():
					continue
				}
				if !st.Failed() || !p.RestartFailed {
					job.Warnf("%s is %s (%s)", st.Name, st.ActiveState, st.SubState)
					continue
				}
				log.Info("restarting failed unit", logx.String("unit", st.Name))
				if err := m.Restart(ctx, unit); err != nil {
					job.Errorf("%s: %v", st.Name, err)
					continue
				}
				job.Warnf("%s was failed; restarted", st.Name)
			}
			return nil
		}), nil
	}
}
