// Package zone implements the per-zone lifecycle state machine and
// scheduler-class control described in spec.md §4.9: defined → running
// → paused/stopped → destroyed, backed by cgroup v1 CPU controllers via
// github.com/containerd/cgroups/v3/cgroup1 (grounded in the pack's
// other_examples manifests — containerd, hcsshim, gvisor shims and
// nomad all carry this dependency — see DESIGN.md).
package zone

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/cgroups/v3/cgroup1"

	"github.com/vasum/vasum/internal/config"
	"github.com/vasum/vasum/internal/netmgr"
	"github.com/vasum/vasum/internal/provision"
	"github.com/vasum/vasum/internal/statedb"
	"github.com/vasum/vasum/internal/sysns"
	"github.com/vasum/vasum/internal/vtswitch"
)

const requestedStopped = "stopped"
const requestedRunning = "running"
const requestedPaused = "paused"

const vtActivateDeadline = 4 * time.Second

// Zone is a named, persistent zone definition plus its transient runtime
// state. Every exported method that touches runtime state locks mu (ID
// and Config read only the immutable configuration); internal helpers
// that assume the lock is already held are unexported and never re-lock,
// since Go's sync.Mutex is not reentrant.
type Zone struct {
	cfg config.ZoneConfig
	db  *statedb.DB
	net *netmgr.Manager

	mu          sync.Mutex
	state       State
	initPID     int
	cgroup      cgroup1.Cgroup
	schedLevel  SchedLevel
	provisioner *provision.Provisioner
	netDevs     []netmgr.NetDev
	vtCheck     func(vt int) error
}

// SetVTChecker installs the callback Start uses to enforce "vt when set
// is unique among active zones" (spec.md §4.9): a Manager wires this to
// reject a VT already claimed by another running zone. Zones created
// without a Manager skip the check.
func (z *Zone) SetVTChecker(f func(vt int) error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.vtCheck = f
}

// New returns a zone in the "defined" state, restoring any previously
// persisted provisioning declarations.
func New(cfg config.ZoneConfig, db *statedb.DB, net *netmgr.Manager) (*Zone, error) {
	z := &Zone{
		cfg:         cfg,
		db:          db,
		net:         net,
		state:       StateDefined,
		provisioner: provision.NewProvisioner(cfg.Rootfs),
	}

	blob, ok, err := db.GetDeclarations(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("zone: %s: load declarations: %w", cfg.ID, err)
	}
	if ok {
		decls, err := provision.UnmarshalDeclarations(blob)
		if err != nil {
			return nil, fmt.Errorf("zone: %s: %w", cfg.ID, err)
		}
		z.provisioner.Restore(decls)
	}

	return z, nil
}

// ID returns the zone's identifier.
func (z *Zone) ID() string { return z.cfg.ID }

// Config returns the zone's immutable configuration.
func (z *Zone) Config() config.ZoneConfig { return z.cfg }

// State returns the zone's current lifecycle state.
func (z *Zone) State() State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// InitPID returns the init process pid, or 0 if not running/paused.
func (z *Zone) InitPID() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.initPID
}

// Declare applies a provisioning declaration immediately and persists
// the updated declaration list.
func (z *Zone) Declare(d provision.Declaration) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if err := z.provisioner.Apply(d); err != nil {
		return err
	}
	return z.persistDeclarations()
}

// Undeclare rolls back a previously-applied declaration and persists the
// updated declaration list.
func (z *Zone) Undeclare(id string) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if err := z.provisioner.Rollback(id); err != nil {
		return err
	}
	return z.persistDeclarations()
}

func (z *Zone) persistDeclarations() error {
	blob, err := provision.MarshalDeclarations(z.provisioner.Applied())
	if err != nil {
		return err
	}
	return z.db.PutDeclarations(z.cfg.ID, blob)
}

// Start launches the zone's init process. Valid only from "defined" or
// "stopped".
func (z *Zone) Start() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StateDefined && z.state != StateStopped {
		return &ErrInvalidTransition{From: z.state, Op: "start"}
	}

	if z.cfg.VT > 0 && z.vtCheck != nil {
		if err := z.vtCheck(z.cfg.VT); err != nil {
			return err
		}
	}

	if err := z.db.PutRequestedState(z.cfg.ID, requestedRunning); err != nil {
		return fmt.Errorf("zone: %s: persist requested_state: %w", z.cfg.ID, err)
	}

	cmd := exec.Command(z.cfg.InitArgv[0], z.cfg.InitArgv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, os.Stdout, os.Stderr

	sysns.PrepareCommand(cmd, []sysns.Kind{
		sysns.KindMount, sysns.KindPID, sysns.KindUTS, sysns.KindIPC, sysns.KindNet, sysns.KindCgroup,
	}, nil, nil)
	// Chroot into the zone's rootfs rather than a full pivot_root
	// dance; the freshly-created mount namespace isolates this from
	// the host's own root once the process is running.
	cmd.SysProcAttr.Chroot = z.cfg.Rootfs
	cmd.Dir = "/"

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("zone: %s: start init: %w", z.cfg.ID, err)
	}

	z.initPID = cmd.Process.Pid
	go func() { _, _ = cmd.Process.Wait() }() // reap without blocking the lock

	cg, err := newZoneCgroup(z.cfg.ID, z.cfg.CPUQuotaForeground)
	if err != nil {
		_ = syscall.Kill(z.initPID, syscall.SIGKILL)
		z.initPID = 0
		return err
	}
	z.cgroup = cg

	if err := z.cgroup.Add(cgroup1.Process{Pid: z.initPID}); err != nil {
		return fmt.Errorf("zone: %s: attach init to cgroup: %w", z.cfg.ID, err)
	}

	z.state = StateRunning
	z.schedLevel = SchedForeground

	if z.cfg.VT > 0 {
		// Best-effort: a failed VT switch does not fail zone start.
		// Without a console, wait a fixed time for the graphical stack.
		if err := vtswitch.Activate(z.cfg.VT, vtActivateDeadline); err == vtswitch.ErrNoConsole {
			time.Sleep(vtActivateDeadline)
		}
	}

	return nil
}

// Stop requests a graceful shutdown, force-stopping after
// shutdown_timeout_seconds, then always rolls back provisioning
// (DESIGN.md Open Question decision: stop always rolls back,
// independent of saveState).
func (z *Zone) Stop(saveState bool) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StateRunning && z.state != StatePaused {
		return &ErrInvalidTransition{From: z.state, Op: "stop"}
	}

	if z.state == StatePaused {
		if err := z.cgroup.Thaw(); err != nil {
			return fmt.Errorf("zone: %s: thaw before stop: %w", z.cfg.ID, err)
		}
	}

	if err := z.setSchedulerLevel(SchedForeground); err != nil {
		return err
	}

	if err := syscall.Kill(z.initPID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("zone: %s: signal init: %w", z.cfg.ID, err)
	}

	if !z.waitForExit(time.Duration(z.cfg.ShutdownTimeoutSeconds) * time.Second) {
		_ = syscall.Kill(z.initPID, syscall.SIGKILL)
		z.waitForExit(2 * time.Second)
	}

	if z.cgroup != nil {
		_ = z.cgroup.Delete()
		z.cgroup = nil
	}

	if saveState {
		if err := z.db.PutRequestedState(z.cfg.ID, requestedStopped); err != nil {
			return fmt.Errorf("zone: %s: persist requested_state: %w", z.cfg.ID, err)
		}
	}

	if err := z.provisioner.RollbackAll(); err != nil {
		return fmt.Errorf("zone: %s: rollback provisioning on stop: %w", z.cfg.ID, err)
	}
	if err := z.persistDeclarations(); err != nil {
		return err
	}

	z.initPID = 0
	z.state = StateStopped

	return nil
}

// waitForExit polls for the init process's death until timeout, using
// signal 0 delivery as a liveness probe since the process was started
// by this package and reaped by its own goroutine rather than by a
// blocking Wait here.
func (z *Zone) waitForExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(z.initPID, 0); err == syscall.ESRCH {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return syscall.Kill(z.initPID, 0) == syscall.ESRCH
}

// Suspend freezes the zone's cgroup. Valid only from "running".
func (z *Zone) Suspend() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StateRunning {
		return &ErrInvalidTransition{From: z.state, Op: "suspend"}
	}

	if err := z.cgroup.Freeze(); err != nil {
		return fmt.Errorf("zone: %s: freeze: %w", z.cfg.ID, err)
	}

	if err := z.db.PutRequestedState(z.cfg.ID, requestedPaused); err != nil {
		return fmt.Errorf("zone: %s: persist requested_state: %w", z.cfg.ID, err)
	}

	z.state = StatePaused
	return nil
}

// Resume thaws the zone's cgroup. Valid only from "paused".
func (z *Zone) Resume() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StatePaused {
		return &ErrInvalidTransition{From: z.state, Op: "resume"}
	}

	if err := z.cgroup.Thaw(); err != nil {
		return fmt.Errorf("zone: %s: thaw: %w", z.cfg.ID, err)
	}

	if err := z.db.PutRequestedState(z.cfg.ID, requestedRunning); err != nil {
		return fmt.Errorf("zone: %s: persist requested_state: %w", z.cfg.ID, err)
	}

	z.state = StateRunning
	return nil
}

// SetSchedulerLevel writes the zone's cgroup CPU controller to the
// foreground or background quota. Valid only while running.
func (z *Zone) SetSchedulerLevel(level SchedLevel) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.setSchedulerLevel(level)
}

// SchedulerLevel returns the zone's current scheduler level.
func (z *Zone) SchedulerLevel() SchedLevel {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.schedLevel
}

// Destroy tears down a zone permanently. Valid only from "defined" or
// "stopped".
func (z *Zone) Destroy() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StateDefined && z.state != StateStopped {
		return &ErrInvalidTransition{From: z.state, Op: "destroy"}
	}

	if err := z.db.DeleteZone(z.cfg.ID); err != nil {
		return fmt.Errorf("zone: %s: delete persisted state: %w", z.cfg.ID, err)
	}

	z.state = StateDestroyed
	return nil
}

// Restore consults persisted requested_state and drives the zone to
// that state on daemon startup (spec.md §4.9's restore()).
func (z *Zone) Restore() error {
	z.mu.Lock()
	state, ok, err := z.db.GetRequestedState(z.cfg.ID)
	z.mu.Unlock()
	if err != nil {
		return fmt.Errorf("zone: %s: read requested_state: %w", z.cfg.ID, err)
	}
	if !ok {
		return nil
	}

	switch state {
	case requestedRunning:
		return z.Start()
	case requestedPaused:
		if err := z.Start(); err != nil {
			return err
		}
		return z.Suspend()
	default:
		return nil
	}
}

// AttachedNetDevs returns the netdevs currently recorded for this zone.
func (z *Zone) AttachedNetDevs() []netmgr.NetDev {
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]netmgr.NetDev, len(z.netDevs))
	copy(out, z.netDevs)
	return out
}

// RecordNetDev records a netdev as attached to this zone's namespace,
// for bookkeeping (the actual netlink operation is done by the caller
// through internal/netmgr, scoped by InitPID()).
func (z *Zone) RecordNetDev(dev netmgr.NetDev) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.netDevs = append(z.netDevs, dev)
}
