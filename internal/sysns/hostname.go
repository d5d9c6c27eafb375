package sysns

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrEmptyHostname is returned by SetHostname for an empty string.
var ErrEmptyHostname = errors.New("sysns: hostname must not be empty")

// SetHostname sets the calling process's UTS namespace hostname.
func SetHostname(name string) error {
	if name == "" {
		return ErrEmptyHostname
	}

	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("sysns: sethostname: %w", err)
	}

	return nil
}

// GetHostname returns the calling process's UTS namespace hostname.
func GetHostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("sysns: gethostname: %w", err)
	}

	return name, nil
}
