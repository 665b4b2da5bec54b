package tasks

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"rosterd/internal/config"
	"rosterd/internal/jobs"
	"rosterd/internal/storage"
	logx "rosterd/pkg/logx"
)

const (
	KindJoblogTruncate = "joblog.truncate"
	KindHTTPProbe      = "http.probe"
	KindSleep          = "sleep"
	KindSystemdUnit    = "systemd.unit"
)

// Deps are the collaborators built-in kinds may use. Every field is optional.
type Deps struct {
	// Store is the job-run log; nil when storage is disabled.
	Store storage.Store
	HTTP  *http.Client
	Log   logx.Logger
	Now   func() time.Time
	// Units opens a systemd connection per run; defaults to the system bus.
	Units UnitDialer
}

// Builtin returns a catalog with the built-in kinds registered.
func Builtin(deps Deps) *Catalog {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Units == nil {
		deps.Units = dialSystemd
	}
	c := NewCatalog()
	c.MustRegister(KindJoblogTruncate, joblogTruncate(deps))
	c.MustRegister(KindHTTPProbe, httpProbe(deps))
	c.MustRegister(KindSleep, sleepTask)
	c.MustRegister(KindSystemdUnit, systemdUnit(deps))
	return c
}

var (
	paramsValidatorOnce sync.Once
	paramsValidator     *validator.Validate
)

func validateParams(v any) error {
	paramsValidatorOnce.Do(func() {
		paramsValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return paramsValidator.Struct(v)
}

type truncateParams struct {
	Retention string `json:"retention"`
}

const defaultRetention = 30 * 24 * time.Hour

func joblogTruncate(deps Deps) Factory {
	return func(params map[string]any) (jobs.Executor, error) {
		var p truncateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		retention, err := config.ParseDurationOrDefault("retention", p.Retention, defaultRetention)
		if err != nil {
			return nil, err
		}
		log := deps.Log.With(logx.String("kind", KindJoblogTruncate))
		return jobs.ExecutorFunc(func(ctx context.Context, _ *sql.DB, job *jobs.Job) error {
			if deps.Store == nil {
				job.Warnf("job-run storage disabled; nothing to truncate")
				return nil
			}
			before := deps.Now().Add(-retention)
			n, err := deps.Store.TruncateRuns(ctx, before)
			if err != nil {
				return errors.Wrap(err, "truncate job runs")
			}
			log.Debug("job runs truncated", logx.Int64("deleted", n), logx.Time("before", before))
			return nil
		}), nil
	}
}

type probeParams struct {
	URL          string `json:"url" validate:"required,url"`
	Method       string `json:"method" validate:"omitempty,oneof=GET HEAD"`
	ExpectStatus int    `json:"expect_status" validate:"omitempty,gte=100,lte=599"`
}

func httpProbe(deps Deps) Factory {
	return func(params map[string]any) (jobs.Executor, error) {
		var p probeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		p.URL = strings.TrimSpace(p.URL)
		p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
		if err := validateParams(p); err != nil {
			return nil, err
		}
		if p.Method == "" {
			p.Method = http.MethodGet
		}
		if p.ExpectStatus == 0 {
			p.ExpectStatus = http.StatusOK
		}
		return jobs.ExecutorFunc(func(ctx context.Context, _ *sql.DB, job *jobs.Job) error {
			req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, nil)
			if err != nil {
				return errors.Wrap(err, "build request")
			}
			resp, err := deps.HTTP.Do(req)
			if err != nil {
				job.Errorf("probe %s: %v", p.URL, err)
				return nil
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			if resp.StatusCode != p.ExpectStatus {
				job.Warnf("probe %s: status %d, want %d", p.URL, resp.StatusCode, p.ExpectStatus)
			}
			return nil
		}), nil
	}
}

type sleepParams struct {
	Duration string `json:"duration"`
}

func sleepTask(params map[string]any) (jobs.Executor, error) {
	var p sleepParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	d, err := config.ParseDurationField("duration", p.Duration)
	if err != nil {
		return nil, err
	}
	return jobs.ExecutorFunc(func(ctx context.Context, _ *sql.DB, _ *jobs.Job) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}
