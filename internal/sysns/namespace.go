// Package sysns wraps the low-level Linux primitives needed to construct
// a namespaced process: clone/setns namespace selection, capability
// bounding-set reduction, rlimits, hostname, and sysctl access.
//
// Rather than hand-rolling clone(2) onto a manually allocated child
// stack — which fights the Go runtime's own thread and stack management
// — namespace construction is expressed the way the Go container
// ecosystem (runc, containerd) does it: through os/exec's
// SysProcAttr.Cloneflags, which performs the equivalent clone+exec
// atomically via the runtime's own fork/exec machinery. See DESIGN.md.
package sysns

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Kind identifies one Linux namespace type.
type Kind int

const (
	KindUser Kind = iota
	KindMount
	KindPID
	KindUTS
	KindIPC
	KindNet
	KindCgroup
)

var kindNames = map[Kind]string{
	KindUser:   "user",
	KindMount:  "mnt",
	KindPID:    "pid",
	KindUTS:    "uts",
	KindIPC:    "ipc",
	KindNet:    "net",
	KindCgroup: "cgroup",
}

// procName returns the /proc/<pid>/ns/<name> leaf for this kind.
func (k Kind) procName() string { return kindNames[k] }

var kindFlags = map[Kind]uintptr{
	KindUser:   unix.CLONE_NEWUSER,
	KindMount:  unix.CLONE_NEWNS,
	KindPID:    unix.CLONE_NEWPID,
	KindUTS:    unix.CLONE_NEWUTS,
	KindIPC:    unix.CLONE_NEWIPC,
	KindNet:    unix.CLONE_NEWNET,
	KindCgroup: unix.CLONE_NEWCGROUP,
}

// CloneFlags ORs together the clone(2) flags for the given namespace kinds.
func CloneFlags(kinds []Kind) uintptr {
	var flags uintptr
	for _, k := range kinds {
		flags |= kindFlags[k]
	}

	return flags
}

// PrepareCommand sets cmd up to start in new namespaces of the given
// kinds. UID/GID maps are optional and only meaningful when KindUser is
// requested.
func PrepareCommand(cmd *exec.Cmd, kinds []Kind, uidMap, gidMap []syscall.SysProcIDMap) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Cloneflags = CloneFlags(kinds)
	if uidMap != nil {
		cmd.SysProcAttr.UidMappings = uidMap
	}
	if gidMap != nil {
		cmd.SysProcAttr.GidMappings = gidMap
	}
}

// Setns joins the namespaces of process pid, one syscall per kind. It
// refuses to join the USER namespace of a live process — joining a
// running container's user namespace from outside is a well-known
// source of races and privilege-escalation bugs, so the primitive layer
// enforces the restriction unconditionally (spec.md §9).
func Setns(pid int, kinds []Kind) error {
	var firstErr error

	for _, k := range kinds {
		if k == KindUser {
			if firstErr == nil {
				firstErr = fmt.Errorf("sysns: refusing to setns into USER namespace of pid %d", pid)
			}

			continue
		}

		path := fmt.Sprintf("/proc/%d/ns/%s", pid, k.procName())
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sysns: open %s: %w", path, err)
			}

			continue
		}

		err = unix.Setns(fd, 0)
		_ = unix.Close(fd)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sysns: setns %s: %w", path, err)
		}
	}

	return firstErr
}
