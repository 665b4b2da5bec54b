//go:build linux

package systemdmanager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection. Safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connection() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, errors.New("systemd connection is closed")
	}
	return m.conn, nil
}

// Status never fails for a missing unit; it reports LoadState "not-found".
func (m *Manager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := m.connection()
	if err != nil {
		return UnitStatus{}, err
	}
	unit = UnitName(unit)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return UnitStatus{Name: unit, ActiveState: "unknown", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, errors.Wrapf(err, "status of %s", unit)
	}
	st := UnitStatus{
		Name:        unit,
		ActiveState: stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}
	return st, nil
}

// Restart queues a restart job and waits for systemd to report its outcome.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	unit = UnitName(unit)
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return errors.Wrapf(err, "restart %s", unit)
	}
	select {
	case res := <-done:
		if res != "done" {
			return errors.Newf("restart %s: %s", unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
