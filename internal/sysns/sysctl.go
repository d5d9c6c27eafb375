package sysns

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const procSysRoot = "/proc/sys"

// sysctlPath maps a dotted kernel parameter name ("a.b.c") to its
// /proc/sys file ("/proc/sys/a/b/c").
func sysctlPath(name string) string {
	return filepath.Join(procSysRoot, strings.ReplaceAll(name, ".", "/"))
}

// WriteKernelParam writes value to the /proc/sys file for name. It
// refuses names that don't resolve to an existing file.
func WriteKernelParam(name, value string) error {
	path := sysctlPath(name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("sysns: sysctl %q does not exist: %w", name, err)
	}

	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("sysns: write sysctl %q: %w", name, err)
	}

	return nil
}

// ReadKernelParam reads the current value of the /proc/sys file for name.
func ReadKernelParam(name string) (string, error) {
	path := sysctlPath(name)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sysns: read sysctl %q: %w", name, err)
	}

	return strings.TrimRight(string(b), "\n"), nil
}
