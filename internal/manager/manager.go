// Package manager implements the Split-Log Manager: it owns the task-object
// map, publishes tasks to the coordination store, interprets data-changed
// events, drives the Timeout Monitor, resubmits stuck or dead-worker tasks,
// and serializes task completion — spec.md §4.3.
package manager

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walsplit/splitlog/internal/codec"
	"github.com/walsplit/splitlog/internal/filestore"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/health"
	"github.com/walsplit/splitlog/pkg/status"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

// Manager is the Split-Log Manager.
type Manager struct {
	cfg        Config
	store      types.CoordinationStore
	files      filestore.LogStore
	finisher   types.Finisher
	membership types.MembershipWatcher
	metrics    types.MetricsSink
	logger     *utils.StructuredLogger

	tasksMu sync.Mutex
	tasks   map[string]*task

	deadMu      sync.Mutex
	deadWorkers map[string]struct{}

	failedDeletionsMu sync.Mutex
	failedDeletions   map[string]struct{}

	beaconMu       sync.Mutex
	lastBeaconTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	recoveryMode bool

	batchIDCounter uint64

	// progress is the structured batch-progress surface SplitDistributed
	// publishes to, separate from the task map's in-memory batch counters:
	// it is what an admin endpoint or CLI would subscribe to, while the
	// internal batch type stays purely about driving waitUntilComplete.
	progress *status.Tracker
}

// New constructs a Manager. finisher, membership, and metrics may be nil;
// a nil finisher is replaced by a no-op DONE finisher, nil membership means
// no task is ever considered dead-worker-owned, and a nil metrics sink
// becomes types.NoopMetricsSink.
func New(cfg Config, store types.CoordinationStore, files filestore.LogStore, finisher types.Finisher, membership types.MembershipWatcher, metrics types.MetricsSink, logger *utils.StructuredLogger) *Manager {
	if finisher == nil {
		finisher = types.FinisherFunc(func(_ context.Context, _, _ string) (types.FinisherResult, error) {
			return types.FinishDone, nil
		})
	}
	if metrics == nil {
		metrics = types.NoopMetricsSink{}
	}
	if logger == nil {
		l, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		logger = l
	}

	return &Manager{
		cfg:             cfg,
		store:           store,
		files:           files,
		finisher:        finisher,
		membership:      membership,
		metrics:         metrics,
		logger:          logger.WithComponent("manager"),
		tasks:           make(map[string]*task),
		deadWorkers:     make(map[string]struct{}),
		failedDeletions: make(map[string]struct{}),
		stopCh:          make(chan struct{}),
		progress:        status.NewTracker(status.DefaultTrackerConfig()),
	}
}

// HealthCheck implements pkg/health.HealthyComponent.
func (m *Manager) HealthCheck(_ context.Context) error {
	select {
	case <-m.stopCh:
		return errors.NewError(errors.ErrCodeShutdownInProgress, "manager stopped").WithComponent("manager")
	default:
		return nil
	}
}

// GetComponentName implements pkg/health.HealthyComponent.
func (m *Manager) GetComponentName() string { return "split-log-manager" }

// GetComponentType implements pkg/health.HealthyComponent.
func (m *Manager) GetComponentType() string { return "manager" }

var _ health.HealthyComponent = (*Manager)(nil)

// Stop interrupts the timeout monitor. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) nextBatchID() string {
	n := atomic.AddUint64(&m.batchIDCounter, 1)
	return fmt.Sprintf("batch-%d-%d", time.Now().UnixNano(), n)
}

// FinishInitialization starts the timeout monitor (skipped in
// masterRecovery mode), registers dead-worker draining, and scans the task
// parent znode for orphan tasks left by a prior master incarnation,
// per spec.md §4.3.
func (m *Manager) FinishInitialization(ctx context.Context, masterRecovery bool) error {
	m.recoveryMode = masterRecovery
	parent := zkclient.TaskParent(m.cfg.BasePath)

	if err := m.store.EnsurePath(ctx, parent); err != nil {
		return err
	}

	if m.membership != nil {
		go m.watchDeadWorkers()
	}

	children, err := m.store.ListChildren(ctx, parent)
	if err != nil {
		return err
	}

	for _, child := range children {
		if zkclient.IsRescanNode(child) {
			continue
		}
		logName, decodeErr := zkclient.TaskNameFromChild(child)
		if decodeErr != nil {
			m.logger.Warn("failed to decode orphan task node name", map[string]interface{}{
				"child": child, "error": decodeErr.Error(),
			})
			continue
		}

		childPath := parent + "/" + child
		m.tasksMu.Lock()
		if _, exists := m.tasks[childPath]; exists {
			m.tasksMu.Unlock()
			continue
		}
		t := newTask(childPath, logName, nil)
		m.tasks[childPath] = t
		m.tasksMu.Unlock()

		m.logger.Info("adopting orphan task from prior master incarnation", map[string]interface{}{
			"path": childPath, "log": logName,
		})
		m.store.AsyncGetData(childPath, true, m.onDataEvent)
	}

	if !masterRecovery {
		go m.runTimeoutMonitor()
	}
	return nil
}

// watchDeadWorkers forwards membership's dead-worker notifications into
// m.deadWorkers, the pending set the Timeout Monitor drains once per tick
// (spec.md §4.4 step 1). It never clears the set itself — draining is the
// monitor's job, so a worker reported dead between ticks is still waiting
// there at the start of the next one.
func (m *Manager) watchDeadWorkers() {
	ch := m.membership.Subscribe()
	for {
		select {
		case w, ok := <-ch:
			if !ok {
				return
			}
			m.deadMu.Lock()
			m.deadWorkers[w] = struct{}{}
			m.deadMu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// isWorkerDead is the live authority on whether worker is presently dead,
// consulted by resubmit's CHECK-directive gate. It queries the membership
// service directly rather than m.deadWorkers, which is only a per-tick
// event queue for the Timeout Monitor's force-resubmit pass and is drained
// (not merely read) each tick — a stale entry there must never be able to
// make a live worker look dead forever.
func (m *Manager) isWorkerDead(worker string) bool {
	if m.membership == nil {
		return false
	}
	for _, w := range m.membership.DeadWorkers() {
		if w == worker {
			return true
		}
	}
	return false
}

// SplitDistributed enumerates regular files in logDirs, creates a fresh
// batch, enqueues one task per file, blocks until every task in the batch
// is terminal, best-effort deletes the source directories on success, and
// returns the total bytes observed. Per spec.md §4.3, it fails with an I/O
// error if any task ends in error, or if the caller is interrupted; it
// never returns a partial success.
func (m *Manager) SplitDistributed(ctx context.Context, logDirs []string) (int64, error) {
	b := newBatch(m.nextBatchID())

	statusBatch, progressCtx := m.progress.StartBatch(ctx)
	go m.watchBatchProgress(progressCtx, statusBatch.ID, b)

	dirFiles := make(map[string][]filestore.FileInfo, len(logDirs))

	for _, dir := range logDirs {
		files, err := m.files.ListLogFiles(ctx, dir)
		if err != nil {
			_ = m.progress.FailBatch(statusBatch.ID, err)
			return 0, err
		}
		dirFiles[dir] = files
		for _, f := range files {
			if _, err := m.enqueue(ctx, f.Path, b); err != nil {
				_ = m.progress.FailBatch(statusBatch.ID, err)
				return 0, err
			}
		}
	}

	snap, err := b.waitUntilComplete(ctx, m.stopCh)
	if err != nil {
		_ = m.progress.FailBatch(statusBatch.ID, err)
		return 0, err
	}
	m.metrics.BatchCompleted(snap)

	if snap.Error > 0 {
		splitErr := errors.NewError(errors.ErrCodeTaskFailed, "one or more split tasks failed").
			WithComponent("manager").
			WithDetail("installed", snap.Installed).
			WithDetail("errors", snap.Error)
		_ = m.progress.FailBatch(statusBatch.ID, splitErr)
		return 0, splitErr
	}

	var totalBytes int64
	for _, files := range dirFiles {
		for _, f := range files {
			totalBytes += f.Size
		}
	}

	// Best-effort per spec.md §9: directory deletion failures are logged,
	// not surfaced — the caller already has a successful batch.
	for dir := range dirFiles {
		if err := m.files.RemoveDir(ctx, dir); err != nil {
			m.logger.Warn("failed to remove source log directory after successful split", map[string]interface{}{
				"dir": dir, "error": err.Error(),
			})
		}
	}

	_ = m.progress.CompleteBatch(statusBatch.ID)
	return totalBytes, nil
}

// SplitDistributedPath is the single-directory convenience overload named
// in spec.md §6 ("splitDistributed(path) → long").
func (m *Manager) SplitDistributedPath(ctx context.Context, logDir string) (int64, error) {
	return m.SplitDistributed(ctx, []string{logDir})
}

// watchBatchProgress republishes b's installed/done/error counters to the
// status.Tracker every time they change, until the batch finishes (or dies)
// or ctx is done. It runs for the lifetime of one SplitDistributed call.
func (m *Manager) watchBatchProgress(ctx context.Context, statusID string, b *batch) {
	for {
		b.mu.Lock()
		snap := b.snapshotLocked()
		ch := b.changedCh
		b.mu.Unlock()

		_ = m.progress.UpdateSnapshot(statusID, snap)
		if snap.Remaining() <= 0 || snap.IsDead {
			return
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Progress returns the tracked status of one SplitDistributed batch, keyed
// by the status.Tracker ID reported alongside its result.
func (m *Manager) Progress(statusID string) (*status.Batch, error) {
	return m.progress.GetBatch(statusID)
}

// ProgressHistory returns up to limit most-recently-finished batches, most
// recent first. limit <= 0 returns the full bounded history.
func (m *Manager) ProgressHistory(limit int) []*status.Batch {
	return m.progress.GetHistory(limit)
}

// SubscribeProgress returns a channel of updates for one in-flight batch.
func (m *Manager) SubscribeProgress(statusID string) (<-chan status.BatchUpdate, error) {
	return m.progress.Subscribe(statusID)
}

// enqueue implements spec.md §4.3's enqueue algorithm, including the five
// orphan sub-cases.
func (m *Manager) enqueue(ctx context.Context, logName string, b *batch) (*task, error) {
	trace := utils.StartTrace(utils.FromContext(ctx), "manager", "enqueue", map[string]interface{}{"log_name": logName})
	defer trace.End("enqueue returned")

	taskPath := zkclient.TaskPath(m.cfg.BasePath, logName)

	m.tasksMu.Lock()
	existing, ok := m.tasks[taskPath]
	if !ok {
		t := newTask(taskPath, logName, b)
		m.tasks[taskPath] = t
		m.tasksMu.Unlock()
		m.installAndPublish(taskPath, b)
		return t, nil
	}
	m.tasksMu.Unlock()

	existing.mu.Lock()
	switch {
	case !existing.isOrphan():
		existing.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeDuplicateTask, "task already scheduled").
			WithComponent("manager").
			WithTaskName(logName)

	case existing.status == types.StatusSuccess:
		// Sub-case 2: pretend nothing happened; setDone already ran.
		existing.mu.Unlock()
		return existing, nil

	case existing.status == types.StatusInProgress:
		// Sub-case 3: adopt the orphan into this batch.
		existing.batch = b
		existing.mu.Unlock()
		b.install()
		return existing, nil

	case existing.status == types.StatusFailure:
		// Sub-case 4: wait for delete, then sub-case 5 re-insert.
		existing.mu.Unlock()
		if err := existing.waitForDeleted(ctx); err != nil {
			return nil, err
		}
		return m.reinsertAfterDelete(taskPath, logName, b)

	default:
		existing.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeInvalidState, "unexpected task state during enqueue").
			WithComponent("manager").
			WithTaskName(logName)
	}
}

func (m *Manager) reinsertAfterDelete(taskPath, logName string, b *batch) (*task, error) {
	m.tasksMu.Lock()
	if _, stillThere := m.tasks[taskPath]; stillThere {
		m.tasksMu.Unlock()
		// Per spec.md §9: the original source asserts this cannot
		// happen; here it is a typed error instead of a silent
		// fall-through to the stale task object.
		return nil, errors.NewError(errors.ErrCodeInvalidState, "task reappeared before reinsertion completed").
			WithComponent("manager").
			WithTaskName(logName)
	}
	t := newTask(taskPath, logName, b)
	m.tasks[taskPath] = t
	m.tasksMu.Unlock()

	m.installAndPublish(taskPath, b)
	return t, nil
}

func (m *Manager) installAndPublish(taskPath string, b *batch) {
	b.install()
	m.metrics.TaskEnqueued()
	m.store.AsyncCreate(taskPath, codec.Encode(types.TagUnassigned, ""), m.cfg.Retries, func(err error, p string) {
		if err != nil {
			m.logger.Error("failed to create task node", map[string]interface{}{"path": p, "error": err.Error()})
			return
		}
		m.store.AsyncGetData(p, true, m.onDataEvent)
	})
}

// onDataEvent is getDataSetWatchSuccess from spec.md §4.3: the watcher
// interpretation that drives every in-progress task's state machine.
func (m *Manager) onDataEvent(err error, nodePath string, data []byte, version int32) {
	if err != nil {
		m.logger.Warn("coordination watch delivered an error", map[string]interface{}{
			"path": nodePath, "error": err.Error(),
		})
		return
	}

	m.tasksMu.Lock()
	t, ok := m.tasks[nodePath]
	m.tasksMu.Unlock()
	if !ok {
		return
	}

	if data == nil {
		if version == types.VersionDeleted {
			// Node vanished: assumed done per spec.md §4.3.
			m.setDone(t, types.StatusSuccess)
			return
		}
		// data == nil with a normal version is a logic error.
		m.setDone(t, types.StatusFailure)
		return
	}

	payload, decodeErr := codec.Decode(data)
	if decodeErr != nil {
		m.logger.Error("failed to decode task payload; marking failed", map[string]interface{}{
			"path": nodePath, "error": decodeErr.Error(),
		})
		m.setDone(t, types.StatusFailure)
		return
	}

	switch payload.Tag {
	case types.TagUnassigned:
		if zkclient.IsRescanNode(path.Base(nodePath)) {
			return
		}
		t.mu.Lock()
		shouldForce := t.isOrphan() && t.incarnation == 0
		t.mu.Unlock()
		if shouldForce {
			m.resubmit(t, types.DirectiveForce)
		}

	case types.TagOwned:
		m.heartbeat(t, version, payload.Writer)

	case types.TagResigned:
		m.resubmit(t, types.DirectiveForce)

	case types.TagDone:
		m.handleDone(t, payload.Writer)

	case types.TagError:
		m.resubmit(t, types.DirectiveCheck)
	}
}

func (m *Manager) heartbeat(t *task, version int32, worker string) {
	t.mu.Lock()
	if version == t.lastVersion {
		t.mu.Unlock()
		return // duplicate delivery; no-op
	}
	t.lastVersion = version
	t.lastUpdate = time.Now()
	t.currentWorker = worker
	t.mu.Unlock()

	m.metrics.Heartbeat()
}

func (m *Manager) handleDone(t *task, worker string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FinisherTimeout)
	defer cancel()

	result, err := m.finisher.Finish(ctx, worker, t.logName)
	if err == nil && result == types.FinishDone {
		m.setDone(t, types.StatusSuccess)
		return
	}

	if err != nil {
		m.logger.Warn("task finisher returned an error", map[string]interface{}{
			"task": t.logName, "worker": worker, "error": err.Error(),
		})
	}

	if !m.resubmit(t, types.DirectiveCheck) {
		m.setDone(t, types.StatusFailure)
	}
}

// resubmit implements spec.md §4.3's resubmit semantics and returns
// whether the CAS to UNASSIGNED succeeded.
func (m *Manager) resubmit(t *task, directive types.ResubmitDirective) bool {
	t.mu.Lock()
	if directive == types.DirectiveCheck {
		if t.status != types.StatusInProgress {
			t.mu.Unlock()
			return false
		}
		workerAlive := t.currentWorker == "" || !m.isWorkerDead(t.currentWorker)
		notTimedOut := time.Since(t.lastUpdate) < m.cfg.ManagerTimeout
		if t.currentWorker != "" && workerAlive && notTimedOut {
			t.mu.Unlock()
			return false
		}
		if t.unforcedResubmits >= m.cfg.MaxResubmit {
			t.thresholdReached = true
			t.mu.Unlock()
			return false
		}
	}

	expectedVersion := t.lastVersion
	if directive == types.DirectiveForce {
		expectedVersion = -1
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CoordTimeout)
	ok, err := m.store.SetDataCAS(ctx, t.path, codec.Encode(types.TagUnassigned, m.cfg.SelfIdentity), expectedVersion)
	cancel()
	if err != nil {
		m.logger.Debug("resubmit CAS failed", map[string]interface{}{"path": t.path, "error": err.Error()})
		return false
	}
	if !ok {
		// BadVersion/NoNode: soft signal, skip this tick per spec.md §7.
		return false
	}

	t.mu.Lock()
	t.incarnation++
	t.currentWorker = ""
	t.lastUpdate = time.Time{}
	if directive == types.DirectiveCheck {
		t.unforcedResubmits++
	}
	t.mu.Unlock()

	m.metrics.TaskResubmitted(directive)
	m.createRescanBeacon()
	return true
}

// createRescanBeacon broadcasts a rescan ping to workers. Per spec.md §9's
// open question, the retry budget is the configured zk.retries, not an
// unbounded one.
func (m *Manager) createRescanBeacon() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CoordTimeout)
	defer cancel()

	parent := zkclient.TaskParent(m.cfg.BasePath)
	_, err := m.store.CreateEphemeralSequential(ctx, parent, zkclient.RescanPrefix+"-", codec.Encode(types.TagDone, m.cfg.SelfIdentity))
	if err != nil {
		m.logger.Warn("failed to create rescan beacon", map[string]interface{}{"error": err.Error()})
	}

	m.beaconMu.Lock()
	m.lastBeaconTime = time.Now()
	m.beaconMu.Unlock()
}

// setDone is the idempotent terminal-status transition of spec.md §4.3. It
// increments the owning batch's counter (if any is still bound) and
// async-deletes the node; a rescan beacon reaching here (no batch) is not
// reported to any batch.
func (m *Manager) setDone(t *task, status types.TaskStatus) {
	t.mu.Lock()
	if t.status != types.StatusInProgress {
		t.mu.Unlock()
		return
	}
	t.status = status
	b := t.batch
	enqueuedAt := t.enqueuedAt
	t.mu.Unlock()

	if b != nil {
		if status == types.StatusSuccess {
			b.recordDone()
		} else {
			b.recordError()
		}
	}

	m.metrics.TaskTerminal(status)
	if rec, ok := m.metrics.(interface{ RecordTaskDuration(time.Duration) }); ok {
		rec.RecordTaskDuration(time.Since(enqueuedAt))
	}

	m.store.AsyncDelete(t.path, m.cfg.Retries, m.onDeleteResult)
}

// onDeleteResult is the delete callback of spec.md §4.3: on success it
// removes the task from the map and transitions it to deleted; on failure
// it queues the path for the Timeout Monitor's retry pass.
func (m *Manager) onDeleteResult(err error, nodePath string) {
	if err != nil {
		m.failedDeletionsMu.Lock()
		m.failedDeletions[nodePath] = struct{}{}
		m.failedDeletionsMu.Unlock()
		m.logger.Warn("delete failed; queued for retry", map[string]interface{}{
			"path": nodePath, "error": err.Error(),
		})
		return
	}

	m.tasksMu.Lock()
	t, ok := m.tasks[nodePath]
	if ok {
		delete(m.tasks, nodePath)
	}
	m.tasksMu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.markDeletedLocked()
	t.mu.Unlock()
}

// snapshotTasks returns a lock-free copy of every tracked task, for the
// Timeout Monitor and for diagnostics/tests.
func (m *Manager) snapshotTasks() []*task {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	out := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}
