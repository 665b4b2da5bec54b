package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "rosterd/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	st := newSQLStore(db, dialectPostgres, logx.Nop())
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, st.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return st, mock
}

func TestPostgresStartJobUsesReturning(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO job_runs (task_name,started_at) VALUES ($1,$2) RETURNING id")).
		WithArgs("wallets", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := st.StartJob(context.Background(), "wallets")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestPostgresFinishJob(t *testing.T) {
	st, mock := newMockPostgres(t)
	update := regexp.QuoteMeta("UPDATE job_runs SET finished_at = $1, result = $2 WHERE id = $3")
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), "partial", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), "success", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.FinishJob(context.Background(), 7, "partial"))
	err := st.FinishJob(context.Background(), 8, "success")
	assert.True(t, errors.Is(err, ErrUnknownRun), "got %v", err)
}

func TestPostgresRecentRunsFilters(t *testing.T) {
	st, mock := newMockPostgres(t)
	since := time.UnixMilli(1_700_000_000_000)
	finished := since.Add(time.Minute).UnixMilli()

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, task_name, started_at, finished_at, result FROM job_runs WHERE task_name = $1 AND started_at >= $2 ORDER BY id DESC LIMIT 5")).
		WithArgs("assets", since.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_name", "started_at", "finished_at", "result"}).
			AddRow(int64(9), "assets", since.Add(2*time.Minute).UnixMilli(), nil, nil).
			AddRow(int64(4), "assets", since.UnixMilli(), finished, "failure"))

	runs, err := st.RecentRuns(context.Background(), RunFilter{TaskName: "assets", Since: since, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[0].Finished())
	assert.Equal(t, int64(4), runs[1].ID)
	assert.Equal(t, "failure", runs[1].Result)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, finished, runs[1].FinishedAt.UnixMilli())
}

func TestPostgresTruncateRuns(t *testing.T) {
	st, mock := newMockPostgres(t)
	cutoff := time.UnixMilli(1_700_000_000_000)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM job_runs WHERE started_at < $1 AND finished_at IS NOT NULL")).
		WithArgs(cutoff.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := st.TruncateRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestPostgresErrorsAreWrapped(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO job_runs")).
		WillReturnError(errors.New("connection reset"))

	_, err := st.StartJob(context.Background(), "wallets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `start run for "wallets"`)
	assert.Contains(t, err.Error(), "connection reset")
}
