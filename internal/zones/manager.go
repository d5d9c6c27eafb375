// Package zones implements the Zones Manager (spec.md §4.10): a
// collection of zones keyed by id, foreground/"active" election with
// demote/promote scheduler switching, restore-on-start, and the
// reconnect-on-disconnect worker pool, grounded on the teacher's Daemon
// struct in lxd/daemon.go — "owns everything, mutex-guarded maps".
package zones

import (
	"fmt"
	"sync"
	"time"

	"github.com/vasum/vasum/internal/daemonlog"
	"github.com/vasum/vasum/internal/vtswitch"
	"github.com/vasum/vasum/internal/zone"
)

const vtActivateDeadline = 4 * time.Second

// Manager owns every zone and elects at most one as "active"
// (foreground). Zone lifecycle operations on the zones it owns flow
// through the Zone type directly; Manager's job is the collection-level
// invariants: foreground election and reconnect-worker bookkeeping.
type Manager struct {
	mu     sync.Mutex
	byID   map[string]*zone.Zone
	active string

	workers   map[string]*reconnectWorker
	workersWG sync.WaitGroup
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		byID:    make(map[string]*zone.Zone),
		workers: make(map[string]*reconnectWorker),
	}
}

// Add registers a zone. It is an error to add a zone id that is already
// registered.
func (m *Manager) Add(z *zone.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[z.ID()]; exists {
		return fmt.Errorf("zones: %s: already registered", z.ID())
	}
	m.byID[z.ID()] = z
	z.SetVTChecker(func(vt int) error { return m.checkVTAvailable(z, vt) })
	return nil
}

// checkVTAvailable enforces "vt when set is unique among active zones"
// (spec.md §4.9): requester may start on vt only if no other registered
// zone is currently running with that same vt. It snapshots the
// collection under m.mu and releases it before touching any zone's own
// mutex, so it never holds both locks at once (requester's Start is
// itself holding requester's mutex while calling in here).
func (m *Manager) checkVTAvailable(requester *zone.Zone, vt int) error {
	m.mu.Lock()
	others := make(map[string]*zone.Zone, len(m.byID))
	for id, z := range m.byID {
		if id != requester.ID() {
			others[id] = z
		}
	}
	m.mu.Unlock()

	for id, z := range others {
		if z.Config().VT == vt && z.State() == zone.StateRunning {
			return fmt.Errorf("zones: vt %d already in use by zone %s", vt, id)
		}
	}

	return nil
}

// Get returns the zone with the given id, or nil if absent.
func (m *Manager) Get(id string) *zone.Zone {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// List returns every registered zone id.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}

// Active returns the id of the current foreground zone, or "" if none.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActive demotes the previous foreground zone to background, then
// promotes id to foreground, activating its VT if configured. Both
// zones must be running; promoting a zone that isn't running is an
// error rather than silently starting it.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	target, ok := m.byID[id]
	previous := m.active
	var prevZone *zone.Zone
	if previous != "" {
		prevZone = m.byID[previous]
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("zones: %s: not registered", id)
	}

	if prevZone != nil && prevZone.ID() != id {
		if err := prevZone.SetSchedulerLevel(zone.SchedBackground); err != nil {
			return fmt.Errorf("zones: demote %s: %w", prevZone.ID(), err)
		}
	}

	if err := target.SetSchedulerLevel(zone.SchedForeground); err != nil {
		return fmt.Errorf("zones: promote %s: %w", id, err)
	}

	if vt := target.Config().VT; vt > 0 {
		if err := vtswitch.Activate(vt, vtActivateDeadline); err != nil {
			daemonlog.WithFields(map[string]interface{}{"zone": id, "vt": vt}).
				Warn("vt activation failed during set_active")
		}
	}

	m.mu.Lock()
	m.active = id
	m.mu.Unlock()

	return nil
}

// RestoreAll drives every registered zone to its persisted
// requested_state, continuing past individual failures and returning
// the first error encountered (if any) after attempting all of them.
func (m *Manager) RestoreAll() error {
	var firstErr error
	for _, id := range m.List() {
		z := m.Get(id)
		if z == nil {
			continue
		}
		if err := z.Restore(); err != nil {
			daemonlog.WithFields(map[string]interface{}{"zone": id}).WithError(err).
				Error("restore failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Destroy joins the zone's reconnect worker (if any) before destroying
// it, then removes it from the collection.
func (m *Manager) Destroy(id string) error {
	m.StopReconnectWorker(id)

	m.mu.Lock()
	z, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("zones: %s: not registered", id)
	}

	if err := z.Destroy(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.byID, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	return nil
}
