package app

import (
	"context"

	"rosterd/internal/jobs"
	"rosterd/internal/storage"
)

// storeSink records job runs in the configured store.
type storeSink struct {
	st storage.Store
}

func (s storeSink) StartJob(ctx context.Context, taskName string) (int64, error) {
	return s.st.StartJob(ctx, taskName)
}

func (s storeSink) FinishJob(ctx context.Context, logID int64, result jobs.Result) error {
	return s.st.FinishJob(ctx, logID, result.String())
}
