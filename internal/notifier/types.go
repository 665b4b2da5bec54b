// Package notifier pushes job failure alerts to an operator chat.
//
// The service listens on the event bus for failed (and optionally partial)
// job finishes and for timeouts, formats a short message and hands it to a
// Sender. Delivery is rate limited; alerts over the limit are counted and
// reported with the next message that gets through.
package notifier

import (
	"context"
	"time"
)

type Config struct {
	Enabled       bool
	ChatID        int64
	ThreadID      int
	RatePerMin    int
	NotifyPartial bool
}

// Sender delivers one text message to a chat (optionally a forum thread).
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

// HistoryItem is one delivered alert.
type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// NotificationEvent is published on the bus after every delivery attempt.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Task     string    `json:"task"`
	JobID    uint64    `json:"job_id"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	TypeNotifierSent       = "notifier.sent"
	TypeNotifierFailed     = "notifier.failed"
	TypeNotifierSuppressed = "notifier.suppressed"
)
