package manager

import (
	"context"
	"sync"
	"time"

	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/types"
)

// task is the in-memory representation of a split task, per spec.md §3.
// Every field mutation happens under mu. deletedCh is closed exactly once,
// when the task's node-delete callback fires — enqueue sub-case 4 waits on
// it instead of a condition variable, since at most one enqueuer can ever
// be waiting on a given path (spec.md §9's design notes call either
// approach sufficient).
type task struct {
	mu sync.Mutex

	path    string // coordination-store node path
	logName string // the WAL file path this task splits

	lastUpdate        time.Time
	lastVersion       int32 // -1 sentinel: no version observed yet
	currentWorker     string
	batch             *batch // nil => orphan
	status            types.TaskStatus
	incarnation       int
	unforcedResubmits int
	thresholdReached  bool

	enqueuedAt time.Time // for task_duration_seconds

	deletedCh     chan struct{}
	deletedClosed bool
}

func newTask(path, logName string, b *batch) *task {
	return &task{
		path:        path,
		logName:     logName,
		lastVersion: -1,
		batch:       b,
		status:      types.StatusInProgress,
		lastUpdate:  time.Now(),
		enqueuedAt:  time.Now(),
		deletedCh:   make(chan struct{}),
	}
}

// isOrphan reports whether this task has no live batch, per spec.md §3:
// "a task is orphan iff batch == null or batch.isDead == true". Caller
// must hold t.mu.
func (t *task) isOrphan() bool {
	return t.batch == nil || t.batch.isDeadLocked()
}

// markDeletedLocked transitions status to deleted and wakes any enqueuer
// blocked in waitForDeleted. Caller must hold t.mu.
func (t *task) markDeletedLocked() {
	t.status = types.StatusDeleted
	if !t.deletedClosed {
		close(t.deletedCh)
		t.deletedClosed = true
	}
}

// waitForDeleted blocks until the task reaches StatusDeleted or ctx is
// done, per spec.md §4.3 enqueue sub-case 4.
func (t *task) waitForDeleted(ctx context.Context) error {
	t.mu.Lock()
	ch := t.deletedCh
	alreadyDeleted := t.status == types.StatusDeleted
	t.mu.Unlock()

	if alreadyDeleted {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.NewError(errors.ErrCodeInterrupted, "enqueue interrupted waiting for prior task deletion").
			WithComponent("manager").
			WithTaskName(t.logName)
	}
}

// snapshot returns a lock-free copy for diagnostics, tests, and metrics.
func (t *task) snapshot() types.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.TaskSnapshot{
		Path:              t.path,
		Status:            t.status,
		CurrentWorker:     t.currentWorker,
		LastVersion:       t.lastVersion,
		LastUpdate:        t.lastUpdate,
		Incarnation:       t.incarnation,
		UnforcedResubmits: t.unforcedResubmits,
		ThresholdReached:  t.thresholdReached,
		Orphan:            t.isOrphan(),
	}
}

// batch is the set of tasks submitted by one splitDistributed call, per
// spec.md §3. Invariant: installed >= done + error at all times.
type batch struct {
	mu sync.Mutex

	id        string
	installed int
	done      int
	errCount  int
	isDead    bool

	changedCh chan struct{} // replaced each time state changes; closed to wake waiters
}

func newBatch(id string) *batch {
	return &batch{id: id, changedCh: make(chan struct{})}
}

func (b *batch) isDeadLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isDead
}

// notifyLocked wakes every goroutine blocked in waitUntilComplete. Caller
// must hold b.mu.
func (b *batch) notifyLocked() {
	close(b.changedCh)
	b.changedCh = make(chan struct{})
}

func (b *batch) install() {
	b.mu.Lock()
	b.installed++
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *batch) recordDone() {
	b.mu.Lock()
	b.done++
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *batch) recordError() {
	b.mu.Lock()
	b.errCount++
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *batch) snapshotLocked() types.BatchSnapshot {
	return types.BatchSnapshot{
		Installed: b.installed,
		Done:      b.done,
		Error:     b.errCount,
		IsDead:    b.isDead,
	}
}

func (b *batch) snapshot() types.BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *batch) markDead() {
	b.mu.Lock()
	b.isDead = true
	b.notifyLocked()
	b.mu.Unlock()
}

// waitUntilComplete blocks until installed == done+error, or ctx is done /
// stopCh fires (manager-wide stop, per spec.md §5 cancellation policy).
func (b *batch) waitUntilComplete(ctx context.Context, stopCh <-chan struct{}) (types.BatchSnapshot, error) {
	for {
		b.mu.Lock()
		snap := b.snapshotLocked()
		if snap.Remaining() <= 0 {
			ch := b.changedCh
			b.mu.Unlock()
			_ = ch
			return snap, nil
		}
		ch := b.changedCh
		b.mu.Unlock()

		select {
		case <-ch:
			// state changed; loop and re-check
		case <-ctx.Done():
			// The submitter is giving up with tasks still in flight: mark
			// the batch dead so those tasks become orphans, adoptable by a
			// future enqueue instead of permanently blocking it as a
			// duplicate schedule.
			b.markDead()
			return b.snapshot(), errors.NewError(errors.ErrCodeInterrupted, "splitDistributed interrupted").
				WithComponent("manager")
		case <-stopCh:
			b.markDead()
			return b.snapshot(), errors.NewError(errors.ErrCodeShutdownInProgress, "manager stopped while batch in flight").
				WithComponent("manager")
		}
	}
}
