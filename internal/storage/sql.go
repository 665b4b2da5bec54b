package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"

	logx "rosterd/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	runsTable = "job_runs"

	colID         = "id"
	colTaskName   = "task_name"
	colStartedAt  = "started_at"
	colFinishedAt = "finished_at"
	colResult     = "result"
)

// sqlStore is the job-run log on a database/sql handle. SQLite and Postgres
// share it; only the placeholder format and migration set differ.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	sb  sq.StatementBuilderType
}

type sqlDialect struct {
	goose       goose.Dialect
	migrations  string
	placeholder sq.PlaceholderFormat
}

var (
	dialectSQLite   = sqlDialect{goose: goose.DialectSQLite3, migrations: "migrations/sqlite", placeholder: sq.Question}
	dialectPostgres = sqlDialect{goose: goose.DialectPostgres, migrations: "migrations/postgres", placeholder: sq.Dollar}
)

func newSQLStore(db *sql.DB, d sqlDialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, sb: sq.StatementBuilder.PlaceholderFormat(d.placeholder)}
}

// migrate applies the embedded migrations for d.
func migrate(ctx context.Context, db *sql.DB, d sqlDialect, log logx.Logger) error {
	fsys, err := fs.Sub(migrationsFS, d.migrations)
	if err != nil {
		return errors.Wrap(err, "migrations fs")
	}
	p, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return errors.Wrap(err, "goose provider")
	}
	results, err := p.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log.Info("storage.migrated", logx.Int64("version", r.Source.Version), logx.Duration("took", r.Duration))
	}
	return nil
}

// DB exposes the underlying handle so executors can share the session.
func (s *sqlStore) DB() *sql.DB { return s.db }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) StartJob(ctx context.Context, taskName string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	query, args, err := s.sb.Insert(runsTable).
		Columns(colTaskName, colStartedAt).
		Values(taskName, time.Now().UnixMilli()).
		Suffix("RETURNING " + colID).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build insert")
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "start run for %q", taskName)
	}
	return id, nil
}

func (s *sqlStore) FinishJob(ctx context.Context, logID int64, result string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	query, args, err := s.sb.Update(runsTable).
		Set(colFinishedAt, time.Now().UnixMilli()).
		Set(colResult, result).
		Where(sq.Eq{colID: logID}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build update")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "finish run %d", logID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrUnknownRun, "log id %d", logID)
	}
	return nil
}

func (s *sqlStore) RecentRuns(ctx context.Context, f RunFilter) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	b := s.sb.Select(colID, colTaskName, colStartedAt, colFinishedAt, colResult).
		From(runsTable).
		OrderBy(colID + " DESC").
		Limit(uint64(f.limit()))
	if f.TaskName != "" {
		b = b.Where(sq.Eq{colTaskName: f.TaskName})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{colStartedAt: f.Since.UnixMilli()})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build select")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var (
			r        JobRun
			started  int64
			finished sql.NullInt64
			result   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskName, &started, &finished, &result); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			at := time.UnixMilli(finished.Int64)
			r.FinishedAt = &at
		}
		r.Result = result.String
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

func (s *sqlStore) TruncateRuns(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	query, args, err := s.sb.Delete(runsTable).
		Where(sq.Lt{colStartedAt: before.UnixMilli()}).
		Where(sq.NotEq{colFinishedAt: nil}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build delete")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "truncate runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}
