// Package systemdmanager reads and restarts systemd units over D-Bus.
package systemdmanager

import (
	"strings"
	"time"
)

// UnitStatus is the subset of unit properties the health tasks look at.
type UnitStatus struct {
	Name        string    `json:"name"`
	ActiveState string    `json:"active_state"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	StateChange time.Time `json:"state_change,omitempty"`
}

func (s UnitStatus) Active() bool   { return s.ActiveState == "active" }
func (s UnitStatus) Failed() bool   { return s.ActiveState == "failed" }
func (s UnitStatus) NotFound() bool { return s.LoadState == "not-found" }

// UnitName appends ".service" to bare names.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
