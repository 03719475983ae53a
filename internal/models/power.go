package models

import "strings"

// PowerSignal is a command sent to a power panel
type PowerSignal string

const (
	SignalStart PowerSignal = "start"
	SignalStop  PowerSignal = "stop"
)

func (s PowerSignal) String() string {
	return string(s)
}

// Valid reports whether s is a known signal
func (s PowerSignal) Valid() bool {
	return s == SignalStart || s == SignalStop
}

// PowerStatus is the state a panel reports for a server
type PowerStatus string

const (
	StatusOffline  PowerStatus = "offline"
	StatusStarting PowerStatus = "starting"
	StatusRunning  PowerStatus = "running"
	StatusStopping PowerStatus = "stopping"
)

func (s PowerStatus) String() string {
	return string(s)
}

// ParsePowerStatus maps a panel state string onto a PowerStatus.
// Unknown values map to StatusOffline with ok=false.
func ParsePowerStatus(raw string) (status PowerStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "offline", "stopped", "exited":
		return StatusOffline, true
	case "starting":
		return StatusStarting, true
	case "running":
		return StatusRunning, true
	case "stopping":
		return StatusStopping, true
	default:
		return StatusOffline, false
	}
}

// LifecycleState is the controller's view of a server between panel calls
type LifecycleState string

const (
	StateUnknown       LifecycleState = "unknown"
	StateIdleOff       LifecycleState = "idle_off"
	StateStarting      LifecycleState = "starting"
	StateIdleRunning   LifecycleState = "idle_running"   // Running, no occupants, stop may be pending
	StateActiveRunning LifecycleState = "active_running" // Running with occupants
	StateStopping      LifecycleState = "stopping"
	StateRestoring     LifecycleState = "restoring" // Stop issued, backup restore in progress
)

// Transitional reports whether a panel operation is in flight
func (s LifecycleState) Transitional() bool {
	return s == StateStarting || s == StateStopping || s == StateRestoring
}
