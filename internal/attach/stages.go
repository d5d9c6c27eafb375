package attach

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/vasum/vasum/internal/sysns"
)

// IntermediateEnvVar carries the fd number of the inherited channel to
// the re-exec'd intermediate stage.
const IntermediateEnvVar = "VASUM_ATTACH_CHANNEL_FD"

// InnerConfigEnvVar carries the JSON-encoded AttachConfig to the
// re-exec'd inner stage; TTY delivery still goes through ExtraFiles,
// since fds cannot ride in an environment variable.
const InnerConfigEnvVar = "VASUM_ATTACH_CONFIG"

// Attach runs cfg.Argv inside the zone whose init process is cfg.InitPID,
// by re-execing self into the intermediate stage. It blocks until the
// inner process exits and returns its exit status (or -1 and a wrapped
// error when starting or feeding the intermediate stage fails).
func Attach(cfg AttachConfig, ttyFD int) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return -1, fmt.Errorf("attach: resolve self executable: %w", err)
	}

	local, remote, err := NewChannelPair()
	if err != nil {
		return -1, err
	}
	defer local.Close()

	cfg.HasTTY = ttyFD >= 0

	cmd := exec.Command(self, IntermediateStageArg)
	cmd.ExtraFiles = []*os.File{remote.File()}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", IntermediateEnvVar, 3))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		remote.Close()
		return -1, fmt.Errorf("attach: start intermediate: %w", err)
	}
	remote.Close()

	if err := local.SendConfig(cfg); err != nil {
		return -1, err
	}
	if cfg.HasTTY {
		if err := local.SendTTY(ttyFD); err != nil {
			return -1, err
		}
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("attach: wait for intermediate: %w", err)
	}

	return 0, nil
}

// IntermediateStageArg is the hidden subcommand argv[1] cmd/vasumd
// dispatches to RunIntermediateStage before cobra parses anything else.
const IntermediateStageArg = "__vasum-attach-intermediate"

// InnerStageArg is the hidden subcommand the intermediate stage re-execs
// itself into.
const InnerStageArg = "__vasum-attach-inner"

// RunIntermediateStage is the entry point for IntermediateStageArg. It
// reads the AttachConfig from the inherited channel fd, joins the
// target's namespaces (except USER), and re-execs itself as the inner
// stage so the new process is born inside those namespaces — see the
// package doc for why this replaces a raw fork.
func RunIntermediateStage() int {
	ch, err := ChannelFromFile(os.NewFile(3, "attach-channel"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer ch.Close()

	cfg, err := ch.RecvConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var ttyFD int = -1
	if cfg.HasTTY {
		fd, err := ch.RecvTTY()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		ttyFD = fd
	}

	if err := sysns.Setns(cfg.InitPID, namespaceKinds(cfg.Namespaces)); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: setns: %w", err))
		return 1
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfgJSON, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	inner := exec.Command(self, InnerStageArg)
	inner.Env = append(os.Environ(), InnerConfigEnvVar+"="+string(cfgJSON))
	inner.Stdin, inner.Stdout, inner.Stderr = os.Stdin, os.Stdout, os.Stderr
	if ttyFD >= 0 {
		inner.ExtraFiles = []*os.File{os.NewFile(uintptr(ttyFD), "attach-tty")}
	}

	if err := inner.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: run inner stage: %w", err))
		return 1
	}

	return 0
}

// RunInnerStage is the entry point for InnerStageArg. On success it
// never returns — syscall.Exec replaces the process image.
func RunInnerStage() int {
	cfg, err := UnmarshalAttachConfig([]byte(os.Getenv(InnerConfigEnvVar)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.HasTTY {
		ttyFD := 3
		if err := unix.Setsid(); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("attach: setsid: %w", err))
			return 1
		}
		if err := unix.IoctlSetInt(ttyFD, unix.TIOCSCTTY, 0); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("attach: TIOCSCTTY: %w", err))
			return 1
		}
		for _, dst := range []int{0, 1, 2} {
			if err := unix.Dup2(ttyFD, dst); err != nil {
				fmt.Fprintln(os.Stderr, fmt.Errorf("attach: dup2 tty to %d: %w", dst, err))
				return 1
			}
		}
		if ttyFD > 2 {
			unix.Close(ttyFD)
		}
	}

	if err := unix.Setgroups(intsToUint32Ints(cfg.SupplementaryGIDs)); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: setgroups: %w", err))
		return 1
	}
	if err := unix.Setresgid(int(cfg.GID), int(cfg.GID), int(cfg.GID)); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: setresgid: %w", err))
		return 1
	}
	if err := unix.Setresuid(int(cfg.UID), int(cfg.UID), int(cfg.UID)); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: setresuid: %w", err))
		return 1
	}

	if err := sysns.DropCapsFromBoundingExcept(capSetOf(cfg.CapsToKeep)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.WorkdirInContainer != "" {
		if err := os.Chdir(cfg.WorkdirInContainer); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("attach: chdir: %w", err))
			return 1
		}
	}

	env := FilterEnv(os.Environ(), cfg.EnvKeep, cfg.EnvSet)

	if len(cfg.Argv) == 0 {
		fmt.Fprintln(os.Stderr, "attach: empty argv")
		return 1
	}

	path, err := exec.LookPath(cfg.Argv[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: lookup %s: %w", cfg.Argv[0], err))
		return 1
	}

	if err := syscall.Exec(path, cfg.Argv, env); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("attach: exec %s: %w", path, err))
		return 1
	}

	return 0 // unreachable
}

func intsToUint32Ints(gids []uint32) []int {
	out := make([]int, len(gids))
	for i, g := range gids {
		out[i] = int(g)
	}
	return out
}

func namespaceKinds(names []string) []sysns.Kind {
	lookup := map[string]sysns.Kind{
		"mnt":    sysns.KindMount,
		"pid":    sysns.KindPID,
		"uts":    sysns.KindUTS,
		"ipc":    sysns.KindIPC,
		"net":    sysns.KindNet,
		"cgroup": sysns.KindCgroup,
		// "user" deliberately absent: sysns.Setns already refuses it.
	}

	kinds := make([]sysns.Kind, 0, len(names))
	for _, n := range names {
		if k, ok := lookup[strings.ToLower(n)]; ok {
			kinds = append(kinds, k)
		}
	}

	return kinds
}

func capSetOf(names []string) sysns.CapSet {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[strings.ToUpper(n)] = struct{}{}
	}

	var caps []capability.Cap
	for _, c := range capability.List() {
		if _, ok := wanted[strings.ToUpper(c.String())]; ok {
			caps = append(caps, c)
		}
	}

	return sysns.NewCapSet(caps...)
}
