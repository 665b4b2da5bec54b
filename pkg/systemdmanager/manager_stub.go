//go:build !linux

package systemdmanager

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

type Manager struct{}

func New(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error { return nil }

func (m *Manager) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}

func (m *Manager) Restart(context.Context, string) error { return ErrUnsupported }
