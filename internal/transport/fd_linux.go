//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func fdOf(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (rawConn, error)
	})
	if !ok {
		return 0, fmt.Errorf("transport: connection type %T has no raw fd", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("transport: syscall conn: %w", err)
	}

	var fd int
	var ctlErr error
	err = raw.Control(func(rawfd uintptr) {
		dup, derr := unix.FcntlInt(rawfd, unix.F_DUPFD_CLOEXEC, 0)
		if derr != nil {
			ctlErr = derr
			return
		}

		fd = dup
	})
	if err != nil {
		return 0, fmt.Errorf("transport: control: %w", err)
	}
	if ctlErr != nil {
		return 0, fmt.Errorf("transport: dup fd: %w", ctlErr)
	}

	return fd, nil
}

type rawConn interface {
	Control(f func(fd uintptr)) error
}

func umask(mask int) int {
	return unix.Umask(mask)
}
