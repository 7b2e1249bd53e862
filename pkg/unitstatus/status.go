// Package unitstatus reads systemd unit states over D-Bus.
package unitstatus

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed      = errors.New("unitstatus: connection closed")
	ErrUnsupported = errors.New("unitstatus: unsupported OS (linux only)")
)

// Status is the part of a unit's properties the bot reports.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, activating, ...
	Sub         string // running, dead, exited, ...
	Load        string // loaded, not-found, ...
	Description string
	Changed     time.Time // StateChangeTimestamp
}

// Found reports whether systemd knows the unit.
func (s Status) Found() bool { return s.Load != "" && s.Load != "not-found" }

// Summary is the short "active/running" form used in messages.
func (s Status) Summary() string {
	if !s.Found() {
		return "not-found"
	}
	if s.Sub == "" {
		return s.Active
	}
	return s.Active + "/" + s.Sub
}

// UnitName appends ".service" to bare names.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func fromProps(unit string, props map[string]any) Status {
	st := Status{Unit: unit}
	st.Active, _ = props["ActiveState"].(string)
	st.Sub, _ = props["SubState"].(string)
	st.Load, _ = props["LoadState"].(string)
	st.Description, _ = props["Description"].(string)
	// systemd timestamps are microseconds since the Unix epoch.
	if ts, ok := props["StateChangeTimestamp"].(uint64); ok && ts > 0 {
		st.Changed = time.UnixMicro(int64(ts))
	}
	return st
}

func notFound(unit string) Status {
	return Status{Unit: unit, Active: "unknown", Load: "not-found"}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(err.Error(), "NoSuchUnit")
}
