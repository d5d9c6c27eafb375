// Package vtswitch activates a Linux virtual terminal via the VT_ACTIVATE/
// VT_WAITACTIVE ioctl pair on /dev/tty0, the mechanism
// original_source/common/utils/vt.cpp uses to bring a zone's graphical
// stack to the foreground. spec.md's distillation only says "sleep up to
// ~4s for graphical stack"; this package supplies the real ioctl pair
// and returns ErrNoConsole when /dev/tty0 is unavailable (e.g. under
// test, or a headless host), so the caller can use a fixed sleep instead.
package vtswitch

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	vtActivate   = 0x5606 // VT_ACTIVATE
	vtWaitActive = 0x5607 // VT_WAITACTIVE

	defaultDevice = "/dev/tty0"
	pollInterval  = 50 * time.Millisecond
)

// ErrNoConsole is returned when /dev/tty0 cannot be opened, signalling
// callers to fall back to a fixed sleep instead of failing outright.
var ErrNoConsole = fmt.Errorf("vtswitch: no virtual console available")

// Activate switches to vtNumber and waits for the switch to complete
// with VT_WAITACTIVE, which blocks until vtNumber is active. A failing
// VT_WAITACTIVE is retried every pollInterval until deadline passes; the
// deadline does not cut short a VT_WAITACTIVE call that is blocked. If
// /dev/tty0 can't be opened, it returns ErrNoConsole so the caller can
// fall back to its own bounded sleep.
func Activate(vtNumber int, deadline time.Duration) error {
	f, err := os.OpenFile(defaultDevice, os.O_RDWR, 0)
	if err != nil {
		return ErrNoConsole
	}
	defer f.Close()

	fd := int(f.Fd())

	if err := unix.IoctlSetInt(fd, vtActivate, vtNumber); err != nil {
		return fmt.Errorf("vtswitch: VT_ACTIVATE %d: %w", vtNumber, err)
	}

	deadlineAt := time.Now().Add(deadline)
	var lastErr error
	for time.Now().Before(deadlineAt) {
		if err := unix.IoctlSetInt(fd, vtWaitActive, vtNumber); err != nil {
			lastErr = err
			time.Sleep(pollInterval)
			continue
		}
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("vtswitch: VT_WAITACTIVE %d timed out: %w", vtNumber, lastErr)
	}

	return fmt.Errorf("vtswitch: VT_WAITACTIVE %d timed out", vtNumber)
}
