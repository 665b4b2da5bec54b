package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "rosterd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only journal of start/finish records)
//
// The journal is replayed into memory on open and rewritten (tmp + rename)
// whenever TruncateRuns drops rows.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path    string
	journal *os.File

	runs   map[int64]*JobRun
	nextID int64
}

const (
	opStart  = "start"
	opFinish = "finish"
	// opSeq pins the ID sequence across compactions.
	opSeq = "seq"
)

type runRecord struct {
	Op     string `json:"op"`
	ID     int64  `json:"id"`
	Task   string `json:"task,omitempty"`
	At     int64  `json:"at,omitempty"` // unix milli
	Result string `json:"result,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	s := &fileStore{log: log, path: journalPath, runs: map[int64]*JobRun{}}
	skipped, err := s.replay()
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replay %s", journalPath)
	}
	if skipped > 0 {
		log.Warn("runs journal: skipped malformed records", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", journalPath)
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) replay() (skipped int, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r runRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID <= 0 {
			skipped++
			continue
		}
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
		switch r.Op {
		case opStart:
			s.runs[r.ID] = &JobRun{ID: r.ID, TaskName: r.Task, StartedAt: time.UnixMilli(r.At)}
		case opFinish:
			if run := s.runs[r.ID]; run != nil {
				at := time.UnixMilli(r.At)
				run.FinishedAt = &at
				run.Result = r.Result
			}
		case opSeq:
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r runRecord) error {
	if s.journal == nil {
		return errors.New("runs journal closed")
	}
	return json.NewEncoder(s.journal).Encode(r)
}

func (s *fileStore) StartJob(ctx context.Context, taskName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID + 1
	if err := s.appendLocked(runRecord{Op: opStart, ID: id, Task: taskName, At: now.UnixMilli()}); err != nil {
		return 0, err
	}
	s.nextID = id
	s.runs[id] = &JobRun{ID: id, TaskName: taskName, StartedAt: time.UnixMilli(now.UnixMilli())}
	return id, nil
}

func (s *fileStore) FinishJob(ctx context.Context, logID int64, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[logID]
	if run == nil {
		return errors.Wrapf(ErrUnknownRun, "log id %d", logID)
	}
	if err := s.appendLocked(runRecord{Op: opFinish, ID: logID, At: now.UnixMilli(), Result: result}); err != nil {
		return err
	}
	at := time.UnixMilli(now.UnixMilli())
	run.FinishedAt = &at
	run.Result = result
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, f RunFilter) ([]JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task := strings.TrimSpace(f.TaskName)

	s.mu.Lock()
	out := make([]JobRun, 0, len(s.runs))
	for _, r := range s.runs {
		if task != "" && r.TaskName != task {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		cp := *r
		if r.FinishedAt != nil {
			at := *r.FinishedAt
			cp.FinishedAt = &at
		}
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *fileStore) TruncateRuns(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.runs {
		if r.Finished() && r.StartedAt.Before(before) {
			delete(s.runs, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.compactLocked(); err != nil {
		return n, errors.Wrap(err, "compact runs journal")
	}
	s.log.Debug("runs journal compacted", logx.Int64("removed", n), logx.Int("kept", len(s.runs)))
	return n, nil
}

// compactLocked rewrites the journal from the in-memory rows.
func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return errors.New("runs journal closed")
	}
	ids := make([]int64, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	err = enc.Encode(runRecord{Op: opSeq, ID: s.nextID})
	for _, id := range ids {
		if err != nil {
			break
		}
		r := s.runs[id]
		err = enc.Encode(runRecord{Op: opStart, ID: id, Task: r.TaskName, At: r.StartedAt.UnixMilli()})
		if err == nil && r.FinishedAt != nil {
			err = enc.Encode(runRecord{Op: opFinish, ID: id, At: r.FinishedAt.UnixMilli(), Result: r.Result})
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	// The old handle points at the replaced inode.
	_ = s.journal.Close()
	jf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.journal = nil
		return err
	}
	s.journal = jf
	return nil
}
