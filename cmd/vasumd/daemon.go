package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/vasum/vasum/internal/config"
	"github.com/vasum/vasum/internal/daemonlog"
	"github.com/vasum/vasum/internal/netmgr"
	"github.com/vasum/vasum/internal/rpc"
	"github.com/vasum/vasum/internal/statedb"
	"github.com/vasum/vasum/internal/transport"
	"github.com/vasum/vasum/internal/zone"
	"github.com/vasum/vasum/internal/zones"
)

const maxRPCPeers = 64

// controlSocketRelPath is where a zone's init is expected to expose its
// RPC control channel inside its own rootfs, mirroring the per-container
// DBUS address the teacher's container daemon reconnected to.
const controlSocketRelPath = "run/vasum-control.sock"

func controlSocketPath(cfg config.ZoneConfig) string {
	return filepath.Join(cfg.Rootfs, controlSocketRelPath)
}

// reconnectAttemptsAfterDisconnect bounds how many times a zone's control
// connection is redialed once it has dropped after being established.
// The first connection attempt (from monitorZoneConnection at startup)
// is unbounded, since the zone's init may simply not have opened its
// socket yet; a loss after that point means the zone is actually gone.
const reconnectAttemptsAfterDisconnect = 20

// monitorZoneConnection keeps a reconnect worker attached to a zone's
// control socket for its whole lifetime: once connected, it installs a
// RemovedPeerCallback that re-arms the worker on the next disconnect,
// so "name-loss / RPC disconnect from a zone" (spec.md §4.10) is always
// being watched for, not just on the first attempt.
func monitorZoneConnection(mgr *zones.Manager, z *zone.Zone) {
	startReconnectMonitor(mgr, z, 0)
}

func startReconnectMonitor(mgr *zones.Manager, z *zone.Zone, maxAttempts int) {
	path := controlSocketPath(z.Config())

	dial := func() error {
		sock, err := transport.ConnectUnix(path)
		if err != nil {
			return err
		}

		client, err := rpc.NewClient(sock)
		if err != nil {
			return err
		}

		client.Processor.RemovedPeerCallback = func(rpc.PeerID, int) {
			startReconnectMonitor(mgr, z, reconnectAttemptsAfterDisconnect)
		}

		return nil
	}

	mgr.StartReconnectWorker(z.ID(), dial, maxAttempts, nil, zones.StopZoneOnReconnectFailure(z))
}

func parseLogBackend(s string) (daemonlog.Backend, error) {
	switch s {
	case "stderr":
		return daemonlog.BackendStderr, nil
	case "file":
		return daemonlog.BackendFile, nil
	case "persistent-file":
		return daemonlog.BackendPersistentFile, nil
	case "journal":
		return daemonlog.BackendJournal, nil
	case "syslog":
		return daemonlog.BackendSyslog, nil
	default:
		return 0, fmt.Errorf("vasumd: unknown log backend %q", s)
	}
}

func initLogging(opts daemonOptions) error {
	backend, err := parseLogBackend(opts.logBackend)
	if err != nil {
		return err
	}
	return daemonlog.Init(backend, daemonlog.Level(opts.logLevel), opts.logPath)
}

// runCheck is the -c/--check runtime self-test: it verifies the zones
// config directory parses and the state database opens, without
// starting anything namespaced or privileged. Exits 0 on success, 1 on
// failure, per spec.md §6.
func runCheck(opts daemonOptions) error {
	if err := initLogging(opts); err != nil {
		return err
	}

	if _, err := config.LoadZonesDir(opts.zonesConfigDir); err != nil {
		return fmt.Errorf("vasumd: check: %w", err)
	}

	db, err := statedb.Open(opts.statePath)
	if err != nil {
		return fmt.Errorf("vasumd: check: %w", err)
	}
	defer db.Close()

	daemonlog.Logger().Info("self-test passed")
	return nil
}

// runDaemon wires config, state, the Zones Manager, the RPC service and
// the debug HTTP endpoint together and blocks until SIGTERM/SIGINT.
func runDaemon(opts daemonOptions) error {
	if err := initLogging(opts); err != nil {
		return err
	}

	// Ignore a fixed set of interactive/job-control signals on startup;
	// SIGTERM and SIGINT are both installed below as the stop latch.
	blockAllSignalsExceptTerm()

	cfgs, err := config.LoadZonesDir(opts.zonesConfigDir)
	if err != nil {
		return fmt.Errorf("vasumd: %w", err)
	}

	db, err := statedb.Open(opts.statePath)
	if err != nil {
		return fmt.Errorf("vasumd: %w", err)
	}
	defer db.Close()

	netManager := netmgr.NewManager()
	mgr := zones.New()

	for _, cfg := range cfgs {
		z, err := zone.New(cfg, db, netManager)
		if err != nil {
			return fmt.Errorf("vasumd: zone %s: %w", cfg.ID, err)
		}
		if err := mgr.Add(z); err != nil {
			return fmt.Errorf("vasumd: %w", err)
		}
	}

	if err := mgr.RestoreAll(); err != nil {
		daemonlog.WithFields(map[string]interface{}{}).WithError(err).
			Warn("one or more zones failed to restore at startup")
	}

	for _, id := range mgr.List() {
		if z := mgr.Get(id); z != nil {
			monitorZoneConnection(mgr, z)
		}
	}

	listener, err := transport.ListenUnix(opts.listenUnix)
	if err != nil {
		return fmt.Errorf("vasumd: %w", err)
	}

	svc, err := rpc.NewService(listener, maxRPCPeers)
	if err != nil {
		return fmt.Errorf("vasumd: %w", err)
	}
	defer svc.Stop()

	var tcpListener net.Listener
	if opts.listenTCP != "" {
		host, portStr, err := splitHostPort(opts.listenTCP)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("vasumd: invalid --listen-tcp port %q: %w", portStr, err)
		}
		tcpListener, err = transport.ListenInet(host, port)
		if err != nil {
			return fmt.Errorf("vasumd: %w", err)
		}
		tcpSvc, err := rpc.NewService(tcpListener, maxRPCPeers)
		if err != nil {
			return fmt.Errorf("vasumd: %w", err)
		}
		defer tcpSvc.Stop()
	}

	debugSrv := newDebugServer(opts.debugAddr, mgr)
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			daemonlog.WithFields(map[string]interface{}{}).WithError(err).Error("debug server exited")
		}
	}()
	defer debugSrv.Close()

	daemonlog.Logger().Info("vasumd started")

	waitForShutdown()

	daemonlog.Logger().Info("vasumd shutting down")
	for _, id := range mgr.List() {
		mgr.StopReconnectWorker(id)
	}
	mgr.WaitAllReconnectWorkers()

	return nil
}

func blockAllSignalsExceptTerm() {
	// Sets SIGHUP, SIGUSR1, SIGUSR2, SIGPIPE, SIGTTIN and SIGTTOU to be
	// ignored. The signal mask is not changed, so every signal outside
	// this list (other than SIGTERM/SIGINT, which waitForShutdown
	// catches) keeps its default disposition.
	signal.Ignore(syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGPIPE, syscall.SIGTTIN, syscall.SIGTTOU)
}

func waitForShutdown() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch
}
