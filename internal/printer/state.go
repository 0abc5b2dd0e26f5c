// Package printer models the printer controller: immutable state snapshots
// from the WebSocket observer and the rate-limited command queue.
package printer

import "time"

// JobState is the controller-reported job phase.
type JobState string

const (
	StatePrinting JobState = "printing"
	StatePaused   JobState = "paused"
	StateResuming JobState = "resuming"
	StateIdle     JobState = "idle"
	StateComplete JobState = "complete"
	StateStopped  JobState = "stopped"
	StateError    JobState = "error"
	StateStandby  JobState = "standby"
	StateUnknown  JobState = "unknown"
)

// State is an immutable printer snapshot. Optional fields are pointers;
// nil means the controller did not report the value.
type State struct {
	Job      JobState
	Filename string

	ProgressPercent *float64
	Remaining       *time.Duration
	CurrentLayer    *int
	TotalLayers     *int

	BedTempActual  *float64
	BedTempTarget  *float64
	ToolTempActual *float64
	ToolTempTarget *float64
}

// IsActivelyPrinting reports whether a job is in flight (printing, paused,
// or resuming).
func (s State) IsActivelyPrinting() bool {
	switch s.Job {
	case StatePrinting, StatePaused, StateResuming:
		return true
	}
	return false
}

// IsDone reports whether the printer is in a terminal or quiescent state.
func (s State) IsDone() bool {
	switch s.Job {
	case StateIdle, StateComplete, StateStopped, StateError, StateStandby:
		return true
	}
	return false
}

// ParseJobState normalizes a controller state string.
func ParseJobState(s string) JobState {
	switch JobState(s) {
	case StatePrinting, StatePaused, StateResuming, StateIdle,
		StateComplete, StateStopped, StateError, StateStandby:
		return JobState(s)
	}
	return StateUnknown
}

// Float returns a pointer to v; convenience for building optional fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Dur returns a pointer to v.
func Dur(v time.Duration) *time.Duration { return &v }
