//go:build windows

package capture

import (
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                   = windows.NewLazySystemDLL("user32.dll")
	procGetForegroundWindow  = user32.NewProc("GetForegroundWindow")
	procGetWindowTextW       = user32.NewProc("GetWindowTextW")
	procGetWindowThreadPID   = user32.NewProc("GetWindowThreadProcessId")
	procGetLastInputInfo     = user32.NewProc("GetLastInputInfo")
	procOpenInputDesktop     = user32.NewProc("OpenInputDesktop")
	procCloseDesktop         = user32.NewProc("CloseDesktop")
	procSwitchDesktop        = user32.NewProc("SwitchDesktop")
)

type windowProbe struct{}

// NewWindowProbe returns the foreground-window probe for this platform.
func NewWindowProbe() WindowProbe { return windowProbe{} }

// ForegroundWindow reads the active window title and owning process name.
// Every failure degrades to empty strings: window context is a hint for the
// analyzer, not a capture precondition.
func (windowProbe) ForegroundWindow() (string, string) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", ""
	}

	var title string
	buf := make([]uint16, 512)
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n > 0 {
		title = windows.UTF16ToString(buf[:n])
	}

	var pid uint32
	procGetWindowThreadPID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	if pid == 0 {
		return title, ""
	}
	return title, processImageName(pid)
}

func processImageName(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return filepath.Base(windows.UTF16ToString(buf[:size]))
}
