package storage

// Package storage keeps the job-run log: one row per job that reached the
// running state, closed with its result when the executor returns.
//
// Backends:
//   - file: append-only JSON Lines journal, compacted on truncate
//   - sqlite: modernc.org/sqlite (pure Go)
//   - postgres: pgx stdlib driver
