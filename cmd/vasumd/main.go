// Command vasumd is the zone-manager daemon: it loads zone declarations
// from a config directory, restores persisted state, serves the one
// read-only debug HTTP endpoint, and accepts RPC peers on a UNIX or TCP
// socket until told to stop.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/vasum/vasum/internal/attach"
)

func main() {
	// Hidden re-exec entrypoints for the attach helper's intermediate
	// and inner stages must run before cobra ever sees argv (spec.md
	// §4.6's two-process design).
	attach.Dispatch()

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts daemonOptions

	cmd := &cobra.Command{
		Use:           "vasumd",
		Short:         "Linux zone-manager daemon",
		Version:       daemonVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.check {
				return runCheck(opts)
			}
			return runDaemon(opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.check, "check", "c", false, "run a runtime self-test and exit")
	flags.BoolVarP(&opts.keepRoot, "root", "r", false, "do not drop root privileges")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "INFO", "TRACE|DEBUG|INFO|WARN|ERROR")
	flags.StringVar(&opts.zonesConfigDir, "zones-config-dir", "/etc/vasum/zones.d", "directory of per-zone YAML declarations")
	flags.StringVar(&opts.statePath, "state-db", "/var/lib/vasum/state.db", "path to the persistent state database")
	flags.StringVar(&opts.listenUnix, "listen-unix", "/run/vasum/vasum.sock", "UNIX socket path the RPC service listens on")
	flags.StringVar(&opts.listenTCP, "listen-tcp", "", "host:port the RPC service listens on, in addition to the UNIX socket")
	flags.StringVar(&opts.debugAddr, "debug-addr", "127.0.0.1:8787", "loopback address the debug HTTP endpoint listens on")
	flags.StringVar(&opts.logPath, "log-file", "", "log file path, required when the backend needs one")
	flags.StringVar(&opts.logBackend, "log-backend", "stderr", "stderr|file|persistent-file|journal|syslog")

	cmd.SetVersionTemplate("vasumd {{.Version}}\n")

	return cmd
}

type daemonOptions struct {
	check          bool
	keepRoot       bool
	logLevel       string
	logBackend     string
	logPath        string
	zonesConfigDir string
	statePath      string
	listenUnix     string
	listenTCP      string
	debugAddr      string
}

const daemonVersion = "0.1.0"

func splitHostPort(hostport string) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", "", fmt.Errorf("vasumd: invalid --listen-tcp value %q: %w", hostport, err)
	}
	return host, port, nil
}
