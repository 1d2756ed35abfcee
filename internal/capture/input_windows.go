//go:build windows

package capture

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var procGetTickCount = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetTickCount")

type lastInputInfo struct {
	Size uint32
	Time uint32
}

type inputMonitor struct{}

// NewActivityMonitor returns the last-input activity monitor for this
// platform.
func NewActivityMonitor() ActivityMonitor { return inputMonitor{} }

// IdleFor reports the time since the last keyboard or mouse input. Tick
// counts wrap at 49.7 days; uint32 subtraction handles the wrap.
func (inputMonitor) IdleFor() (time.Duration, error) {
	var info lastInputInfo
	info.Size = uint32(unsafe.Sizeof(info))
	r, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if r == 0 {
		return 0, fmt.Errorf("last input info: %w", err)
	}
	ticks, _, _ := procGetTickCount.Call()
	elapsed := uint32(ticks) - info.Time
	return time.Duration(elapsed) * time.Millisecond, nil
}
