package sysns

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RlimitKind identifies an RLIMIT_* resource.
type RlimitKind int

const (
	RlimitNoFile RlimitKind = iota
	RlimitNProc
	RlimitCore
	RlimitCPU
	RlimitFSize
	RlimitAS
)

var rlimitResource = map[RlimitKind]int{
	RlimitNoFile: unix.RLIMIT_NOFILE,
	RlimitNProc:  unix.RLIMIT_NPROC,
	RlimitCore:   unix.RLIMIT_CORE,
	RlimitCPU:    unix.RLIMIT_CPU,
	RlimitFSize:  unix.RLIMIT_FSIZE,
	RlimitAS:     unix.RLIMIT_AS,
}

// SetRlimit sets kind's soft and hard limits, rejecting soft > hard.
func SetRlimit(kind RlimitKind, soft, hard uint64) error {
	if hard != unix.RLIM_INFINITY && soft > hard {
		return fmt.Errorf("sysns: rlimit soft %d exceeds hard %d", soft, hard)
	}

	res, ok := rlimitResource[kind]
	if !ok {
		return fmt.Errorf("sysns: unknown rlimit kind %d", kind)
	}

	rlim := unix.Rlimit{Cur: soft, Max: hard}
	if err := unix.Setrlimit(res, &rlim); err != nil {
		return fmt.Errorf("sysns: setrlimit: %w", err)
	}

	return nil
}

// GetRlimit returns kind's current soft and hard limits.
func GetRlimit(kind RlimitKind) (soft, hard uint64, err error) {
	res, ok := rlimitResource[kind]
	if !ok {
		return 0, 0, fmt.Errorf("sysns: unknown rlimit kind %d", kind)
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(res, &rlim); err != nil {
		return 0, 0, fmt.Errorf("sysns: getrlimit: %w", err)
	}

	return rlim.Cur, rlim.Max, nil
}
