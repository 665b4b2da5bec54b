package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rosterd/internal/eventbus"
	"rosterd/internal/jobs"
	"rosterd/internal/runtime/supervisor"
	logx "rosterd/pkg/logx"
)

const (
	defaultRatePerMin = 20
	sendTimeout       = 10 * time.Second
	historyMax        = 100
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	limiter *rate.Limiter
	sup     *supervisor.Supervisor

	suppressed int

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log.With(logx.String("comp", "notifier"))}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps config (and sender, when non-nil) without restarting the loop.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	if sender != nil {
		s.sender = sender
	}
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = defaultRatePerMin
	}
	if s.limiter == nil || s.cfg.RatePerMin != cfg.RatePerMin {
		// Burst = a quarter minute of budget so a failing channel doesn't
		// starve the rest of the minute.
		burst := max(1, cfg.RatePerMin/4)
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), burst)
	}
	s.cfg = cfg
}

// Start subscribes to the bus. It is a no-op without a bus or when already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(256)
	s.sup = supervisor.New(context.WithoutCancel(ctx), s.log)
	s.sup.Go("notifier.events", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				s.handle(c, ev)
			}
		}
	})
	s.log.Info("service started", logx.Bool("enabled", s.cfg.Enabled && s.sender != nil))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("service stopped")
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	je, ok := ev.Data.(jobs.JobEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || sender == nil {
		return
	}

	text := formatAlert(ev.Type, je.Job, cfg.NotifyPartial)
	if text == "" {
		return
	}
	if !lim.Allow() {
		s.mu.Lock()
		s.suppressed++
		s.mu.Unlock()
		s.log.Debug("alert suppressed by rate limit", logx.String("task", je.Job.Task))
		s.publish(TypeNotifierSuppressed, cfg, je.Job, nil)
		return
	}
	s.mu.Lock()
	if s.suppressed > 0 {
		text += fmt.Sprintf("\n(+%d alerts suppressed)", s.suppressed)
		s.suppressed = 0
	}
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := sender.SendText(sctx, cfg.ChatID, cfg.ThreadID, text)
	cancel()
	if err != nil {
		s.log.Warn("alert send failed", logx.String("task", je.Job.Task), logx.Err(err))
		s.publish(TypeNotifierFailed, cfg, je.Job, err)
		return
	}
	s.appendHistory(text)
	s.publish(TypeNotifierSent, cfg, je.Job, nil)
}

func (s *Service) publish(typ string, cfg Config, j jobs.Info, err error) {
	now := time.Now()
	ne := NotificationEvent{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID, Task: j.Task, JobID: j.ID, At: now}
	if err != nil {
		ne.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ne})
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// formatAlert returns "" for events that don't warrant an alert.
func formatAlert(typ string, j jobs.Info, partial bool) string {
	var b strings.Builder
	switch typ {
	case eventbus.TypeJobTimeout:
		fmt.Fprintf(&b, "⏱ %s timed out", j.Task)
	case eventbus.TypeJobFinished:
		switch {
		case j.Result == jobs.ResultFailure:
			fmt.Fprintf(&b, "🚨 %s failed", j.Task)
		case j.Result == jobs.ResultPartial && partial:
			fmt.Fprintf(&b, "⚠️ %s finished with warnings", j.Task)
		default:
			return ""
		}
	default:
		return ""
	}

	fmt.Fprintf(&b, " (job #%d", j.ID)
	if j.Channel != "" {
		fmt.Fprintf(&b, ", channel %s", j.Channel)
	}
	b.WriteString(")")
	if !j.StartTime.IsZero() {
		end := j.FinishTime
		if end.IsZero() {
			end = time.Now()
		}
		fmt.Fprintf(&b, " after %s", end.Sub(j.StartTime).Round(time.Millisecond))
	}
	writeLines(&b, "errors", j.Errors)
	writeLines(&b, "warnings", j.Warnings)
	return b.String()
}

const maxAlertLines = 5

func writeLines(b *strings.Builder, label string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:", label)
	for i, l := range lines {
		if i == maxAlertLines {
			fmt.Fprintf(b, "\n  … %d more", len(lines)-maxAlertLines)
			break
		}
		fmt.Fprintf(b, "\n  - %s", l)
	}
}
