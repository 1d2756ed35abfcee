//go:build !windows

package capture

import "time"

// Non-Windows hosts have no portable lock or idle probe here, so the loop
// runs unguarded: never locked, always active, no window context. Good
// enough for development on Linux and macOS; the scheduler logic is
// identical either way.

type windowProbe struct{}

// NewWindowProbe returns the foreground-window probe for this platform.
func NewWindowProbe() WindowProbe { return windowProbe{} }

func (windowProbe) ForegroundWindow() (string, string) { return "", "" }

type alwaysUnlocked struct{}

func (alwaysUnlocked) Locked() (bool, error) { return false, nil }

// NewLockProbe returns the workstation lock probe.
func NewLockProbe(disable bool) LockProbe { return alwaysUnlocked{} }

type alwaysActive struct{}

func (alwaysActive) IdleFor() (time.Duration, error) { return 0, nil }

// NewActivityMonitor returns the activity monitor for this platform.
func NewActivityMonitor() ActivityMonitor { return alwaysActive{} }
