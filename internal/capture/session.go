// Package capture turns the desktop into pending analysis records: it
// watches session state, grabs the screen on an interval while the user is
// active, and files each image with its window context into the store.
package capture

import (
	"image"
	"time"
)

// State is the session condition that gates capture.
type State string

const (
	// StateActive means recent input was seen; captures proceed.
	StateActive State = "active"
	// StateIdle means no input for longer than the idle threshold.
	StateIdle State = "idle"
	// StateLocked means the workstation is locked. Lock always wins over
	// activity: input can arrive at a lock screen.
	StateLocked State = "locked"
)

// Grabber produces a screen image. The production implementation reads the
// primary display; tests substitute a canned image.
type Grabber interface {
	Grab() (image.Image, error)
}

// WindowProbe reports the foreground window. Failures degrade to empty
// strings rather than blocking capture.
type WindowProbe interface {
	ForegroundWindow() (title, process string)
}

// LockProbe reports whether the workstation is locked.
type LockProbe interface {
	Locked() (bool, error)
}

// ActivityMonitor reports how long the session has gone without input.
type ActivityMonitor interface {
	IdleFor() (time.Duration, error)
}

// resolveState applies the capture gate. A lock-probe error counts as
// locked: capturing a screen we cannot prove is visible risks recording the
// lock screen for an hour. An activity-probe error counts as active, which
// only costs a redundant capture.
func resolveState(lock LockProbe, activity ActivityMonitor, idleThreshold time.Duration) State {
	locked, err := lock.Locked()
	if err != nil || locked {
		return StateLocked
	}
	idle, err := activity.IdleFor()
	if err == nil && idle >= idleThreshold {
		return StateIdle
	}
	return StateActive
}
