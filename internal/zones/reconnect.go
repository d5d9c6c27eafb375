package zones

import (
	"time"

	"github.com/vasum/vasum/internal/daemonlog"
	"github.com/vasum/vasum/internal/zone"
)

// reconnectWorker is the Go re-expression of
// original_source/common/utils/worker.cpp's generic cancellable
// background worker, used here for "attempt reconnect in a detached
// worker" (spec.md §4.10).
type reconnectWorker struct {
	stop chan struct{}
	done chan struct{}
}

// StartReconnectWorker launches a detached goroutine that retries dial
// with exponential backoff (capped at maxBackoff) until it succeeds, the
// worker is stopped, or maxAttempts is exhausted (0 means unlimited). On
// a successful dial, onReconnect runs. If dial never succeeds within
// maxAttempts, onGone runs — the configured policy for "the socket is
// gone": spec.md says to stop the zone.
func (m *Manager) StartReconnectWorker(id string, dial func() error, maxAttempts int, onReconnect func(), onGone func()) {
	m.mu.Lock()
	if _, exists := m.workers[id]; exists {
		m.mu.Unlock()
		return
	}
	w := &reconnectWorker{stop: make(chan struct{}), done: make(chan struct{})}
	m.workers[id] = w
	m.mu.Unlock()

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		defer close(w.done)
		defer m.finishWorker(id, w)

		backoff := 100 * time.Millisecond
		const maxBackoff = 10 * time.Second

		for attempt := 0; maxAttempts == 0 || attempt < maxAttempts; attempt++ {
			select {
			case <-w.stop:
				return
			default:
			}

			if err := dial(); err == nil {
				if onReconnect != nil {
					onReconnect()
				}
				return
			}

			select {
			case <-w.stop:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		daemonlog.WithFields(map[string]interface{}{"zone": id}).
			Warn("reconnect worker exhausted attempts, stopping zone")
		if onGone != nil {
			onGone()
		}
	}()
}

// finishWorker drops w from the workers table once its goroutine has run
// to completion on its own (dial succeeded or attempts were exhausted),
// so a later StartReconnectWorker call for the same id isn't mistaken
// for one already in flight. A no-op if StopReconnectWorker already
// removed it.
func (m *Manager) finishWorker(id string, w *reconnectWorker) {
	m.mu.Lock()
	if m.workers[id] == w {
		delete(m.workers, id)
	}
	m.mu.Unlock()
}

// StopReconnectWorker signals the zone's reconnect worker (if any) to
// stop and waits for it to exit, so Manager.Destroy never races a
// worker that might still touch the zone being destroyed.
func (m *Manager) StopReconnectWorker(id string) {
	m.mu.Lock()
	w, exists := m.workers[id]
	if exists {
		delete(m.workers, id)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	close(w.stop)
	<-w.done
}

// WaitAllReconnectWorkers blocks until every reconnect worker has
// exited, used during daemon shutdown.
func (m *Manager) WaitAllReconnectWorkers() {
	m.workersWG.Wait()
}

// StopZoneOnReconnectFailure is the default onGone policy: stop the
// zone with save_state=true, matching spec.md §4.10's "stop the zone
// with the configured policy" for a definitively gone socket.
func StopZoneOnReconnectFailure(z *zone.Zone) func() {
	return func() {
		if err := z.Stop(true); err != nil {
			daemonlog.WithFields(map[string]interface{}{"zone": z.ID()}).WithError(err).
				Error("failed to stop zone after reconnect worker gave up")
		}
	}
}
