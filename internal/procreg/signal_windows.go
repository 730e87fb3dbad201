//go:build windows

package procreg

import (
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/windows"
)

const stillActive = 259

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// Windows has no process groups in the POSIX sense; taskkill /T walks the tree.
func processGroup(int) int { return 0 }

// signalGraceful asks the tree to close. Without /F taskkill sends WM_CLOSE,
// the nearest equivalent of SIGTERM.
func signalGraceful(pid, _ int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func signalForceful(pid, _ int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// processStartTime is not checked on Windows; records are trusted by pid.
func processStartTime(int) (time.Time, bool) { return time.Time{}, false }
