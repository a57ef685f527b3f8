package manager

import (
	"time"

	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/types"
)

// runTimeoutMonitor is the Timeout Monitor of spec.md §4.4: a fixed-period
// background scan that accelerates dead-worker reassignment, enforces
// per-task timeouts, rebroadcasts a rescan beacon when no task has been
// assigned for too long, and retries deletions the store has rejected.
func (m *Manager) runTimeoutMonitor() {
	ticker := time.NewTicker(m.cfg.TimeoutMonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.timeoutMonitorTick()
		case <-m.stopCh:
			return
		}
	}
}

// drainDeadWorkers snapshots and clears the pending dead-worker set built up
// by watchDeadWorkers since the previous tick, per spec.md §4.4 step 1. The
// set exists only to target this tick's force-resubmit pass; it is never
// read anywhere else, so clearing it here cannot make a worker look alive
// again — isWorkerDead always re-checks membership live regardless.
func (m *Manager) drainDeadWorkers() map[string]struct{} {
	m.deadMu.Lock()
	defer m.deadMu.Unlock()
	pending := m.deadWorkers
	m.deadWorkers = make(map[string]struct{})
	return pending
}

// timeoutMonitorTick runs one scan of spec.md §4.4's four steps.
func (m *Manager) timeoutMonitorTick() {
	tasks := m.snapshotTasks()
	justDied := m.drainDeadWorkers()

	anyAssigned := false
	for _, t := range tasks {
		t.mu.Lock()
		status := t.status
		worker := t.currentWorker
		t.mu.Unlock()

		if status != types.StatusInProgress {
			continue
		}
		if worker == "" {
			// Unassigned task: counted only, per spec.md §4.4 step 2.
			continue
		}

		anyAssigned = true
		_, reportedThisTick := justDied[worker]
		if reportedThisTick || m.isWorkerDead(worker) {
			if !m.resubmit(t, types.DirectiveForce) {
				// Retry on a later tick: re-add to the pending
				// dead-worker set so step 2 tries again.
				m.deadMu.Lock()
				m.deadWorkers[worker] = struct{}{}
				m.deadMu.Unlock()
			}
			continue
		}
		m.resubmit(t, types.DirectiveCheck)
	}

	if !anyAssigned {
		m.maybeRescan(tasks)
	}

	m.retryFailedDeletions()
}

// maybeRescan implements spec.md §4.4 step 3: if no task is presently
// assigned anywhere and more than ManagerUnassignedTimeout has passed since
// the last beacon, best-effort refresh every unassigned task's watch and
// broadcast a new rescan beacon.
func (m *Manager) maybeRescan(tasks []*task) {
	m.beaconMu.Lock()
	last := m.lastBeaconTime
	m.beaconMu.Unlock()

	if !last.IsZero() && time.Since(last) < m.cfg.ManagerUnassignedTimeout {
		return
	}

	for _, t := range tasks {
		t.mu.Lock()
		status := t.status
		p := t.path
		t.mu.Unlock()
		if status != types.StatusInProgress {
			continue
		}
		// Best-effort: purely to refresh any watcher that may have been
		// dropped; onDataEvent re-arms it the same as any other delivery.
		m.store.AsyncGetData(p, true, m.onDataEvent)
	}

	m.createRescanBeacon()
}

// retryFailedDeletions implements spec.md §4.4 step 4: drain the
// failed-deletions set and re-issue async-delete for each path.
func (m *Manager) retryFailedDeletions() {
	m.failedDeletionsMu.Lock()
	if len(m.failedDeletions) == 0 {
		m.failedDeletionsMu.Unlock()
		return
	}
	pending := make([]string, 0, len(m.failedDeletions))
	for p := range m.failedDeletions {
		pending = append(pending, p)
	}
	m.failedDeletions = make(map[string]struct{})
	m.failedDeletionsMu.Unlock()

	for _, p := range pending {
		m.store.AsyncDelete(p, m.cfg.Retries, m.onDeleteResult)
	}
}

// taskParent is a convenience for tests that need the watched parent path
// derived from this Manager's configured base.
func (m *Manager) taskParent() string {
	return zkclient.TaskParent(m.cfg.BasePath)
}
