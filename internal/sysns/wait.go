package sysns

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waitpid waits for pid to change state, restarting on EINTR, and
// returns its wait status.
func Waitpid(pid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus

	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == nil {
			return status, nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		return status, fmt.Errorf("sysns: waitpid %d: %w", pid, err)
	}
}
