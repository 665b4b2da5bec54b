package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrUnknownRun is returned by FinishJob for a log ID the store never issued.
	ErrUnknownRun = errors.New("unknown job run")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines journal at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN (pgx connection string)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means driver default
}

// JobRun is one row of the job-run log. FinishedAt and Result stay empty
// while the job is running (or if the process died before it finished).
type JobRun struct {
	ID         int64      `json:"id"`
	TaskName   string     `json:"task_name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     string     `json:"result,omitempty"`
}

// Finished reports whether the run has been closed with a result.
func (r JobRun) Finished() bool { return r.FinishedAt != nil }

// RunFilter narrows RecentRuns. Zero values mean "no constraint".
type RunFilter struct {
	TaskName string
	Since    time.Time
	Limit    int
}

const (
	defaultRunLimit = 50
	maxRunLimit     = 1000
)

func (f RunFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultRunLimit
	case f.Limit > maxRunLimit:
		return maxRunLimit
	default:
		return f.Limit
	}
}

// Store is the job-run log.
type Store interface {
	// StartJob opens a run for taskName and returns its log ID.
	StartJob(ctx context.Context, taskName string) (int64, error)
	// FinishJob closes the run with result ("success", "partial", "failure").
	FinishJob(ctx context.Context, logID int64, result string) error
	// RecentRuns returns runs newest first.
	RecentRuns(ctx context.Context, f RunFilter) ([]JobRun, error)
	// TruncateRuns deletes finished runs started before the cutoff and
	// reports how many went. Open runs are kept.
	TruncateRuns(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// SQLDB returns the database handle behind st, or nil for stores that are
// not SQL-backed (file, disabled).
func SQLDB(st Store) *sql.DB {
	if p, ok := st.(interface{ DB() *sql.DB }); ok {
		return p.DB()
	}
	return nil
}
