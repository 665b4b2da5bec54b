package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rosterd/internal/eventbus"
	"rosterd/internal/jobs"
	"rosterd/internal/storage"
	"rosterd/internal/trigger"
	logx "rosterd/pkg/logx"
)

// JobSource is the read side of the job scheduler.
type JobSource interface {
	RunningJobs() []*jobs.Job
	QueuedJobs() map[string][]*jobs.Job
	Channels() []jobs.ChannelInfo
}

// TaskRunner triggers configured tasks on demand.
type TaskRunner interface {
	RunNow(name string) (*jobs.Job, error)
	Snapshot() trigger.Snapshot
}

// Deps are the collaborators the admin routes read from. Store and Bus may
// be nil; the routes that need them answer 503.
type Deps struct {
	Jobs     JobSource
	Tasks    TaskRunner
	Store    storage.Store
	Bus      eventbus.Bus
	Gatherer prometheus.Gatherer
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func newRouter(deps Deps, token string, pprof bool, m *httpMetrics, log logx.Logger) http.Handler {
	h := &handlers{deps: deps, log: log}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		r.Get("/jobs", h.running)
		r.Get("/jobs/queued", h.queued)
		r.Get("/jobs/history", h.history)
		r.Get("/jobs/events", h.events)
		r.Get("/schedules", h.schedules)
		r.Post("/tasks/{name}/run", h.runTask)
		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func infos(js []*jobs.Job) []jobs.Info {
	out := make([]jobs.Info, 0, len(js))
	for _, j := range js {
		out = append(out, j.Info())
	}
	return out
}

func (h *handlers) running(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": infos(h.deps.Jobs.RunningJobs())})
}

func (h *handlers) queued(w http.ResponseWriter, _ *http.Request) {
	queues := map[string][]jobs.Info{}
	for ch, js := range h.deps.Jobs.QueuedJobs() {
		queues[ch] = infos(js)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": h.deps.Jobs.Channels(),
		"queues":   queues,
	})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	q := r.URL.Query()
	f := storage.RunFilter{TaskName: strings.TrimSpace(q.Get("task"))}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	runs, err := h.deps.Store.RecentRuns(r.Context(), f)
	if err != nil {
		h.log.Error("history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if runs == nil {
		runs = []storage.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) schedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Tasks.Snapshot())
}

func (h *handlers) runTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	j, err := h.deps.Tasks.RunNow(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, j.Info())
	case errors.Is(err, trigger.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "unknown task")
	case errors.Is(err, jobs.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "scheduler is shutting down")
	default:
		h.log.Error("run task failed", logx.String("task", name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

const eventWriteTimeout = 5 * time.Second

// TypeStreamOpen is the first message on an event stream, sent once the
// subscription is live.
const TypeStreamOpen = "stream.open"

// events streams bus events to a websocket client until either side goes away.
// Slow clients drop events at the bus like any other subscriber.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus disabled")
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	defer c.CloseNow()

	ch, unsub := h.deps.Bus.Subscribe(64)
	defer unsub()

	// The client never sends; CloseRead handles pings and reports disconnects.
	ctx := c.CloseRead(r.Context())
	h.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr))
	if err := h.writeEvent(ctx, c, eventbus.Event{Type: TypeStreamOpen, Time: time.Now()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("event stream closed", logx.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if err := h.writeEvent(ctx, c, ev); err != nil {
				return
			}
		}
	}
}

func (h *handlers) writeEvent(ctx context.Context, c *websocket.Conn, ev eventbus.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, c, ev)
}
