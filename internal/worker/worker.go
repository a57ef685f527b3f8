// Package worker implements the Split-Log Worker of spec.md §4.6: it
// watches the task parent znode, races peers to claim tasks, performs the
// split computation, heartbeats progress, and publishes a terminal state
// for the Manager to observe and delete.
package worker

import (
	"context"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/walsplit/splitlog/internal/codec"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/health"
	"github.com/walsplit/splitlog/pkg/retry"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

// Worker is the Split-Log Worker. Per spec.md §4.6's concurrency limit, a
// Worker processes at most one task at a time: it never pre-reserves tasks,
// only races for ownership of one child at a time in its claim loop.
type Worker struct {
	cfg      Config
	store    types.CoordinationStore
	splitter types.Splitter
	metrics  types.MetricsSink
	logger   *utils.StructuredLogger

	busyMu sync.Mutex
	busy   bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Worker. metrics may be nil, becoming a no-op sink.
func New(cfg Config, store types.CoordinationStore, splitter types.Splitter, metrics types.MetricsSink, logger *utils.StructuredLogger) *Worker {
	if metrics == nil {
		metrics = types.NoopMetricsSink{}
	}
	if logger == nil {
		l, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		logger = l
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		splitter: splitter,
		metrics:  metrics,
		logger:   logger.WithComponent("worker"),
		stopCh:   make(chan struct{}),
	}
}

// HealthCheck implements pkg/health.HealthyComponent.
func (w *Worker) HealthCheck(_ context.Context) error {
	select {
	case <-w.stopCh:
		return errors.NewError(errors.ErrCodeShutdownInProgress, "worker stopped").WithComponent("worker")
	default:
		return nil
	}
}

// GetComponentName implements pkg/health.HealthyComponent.
func (w *Worker) GetComponentName() string { return "split-log-worker" }

// GetComponentType implements pkg/health.HealthyComponent.
func (w *Worker) GetComponentType() string { return "worker" }

var _ health.HealthyComponent = (*Worker)(nil)

// Stop ends the worker's run loop. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) taskParent() string {
	return zkclient.TaskParent(w.cfg.BasePath)
}

// Run drives the worker's main loop until ctx is done or Stop is called:
// watch the task parent's children, and on every change (or periodic
// refresh) attempt one claim pass over the current snapshot in randomized
// order, per spec.md §4.6.
func (w *Worker) Run(ctx context.Context) error {
	parent := w.taskParent()
	if err := w.store.EnsurePath(ctx, parent); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		children, err := w.watchChildrenWithRetry(ctx, parent)
		if err != nil {
			w.logger.Warn("children watch failed after retries", map[string]interface{}{"error": err.Error()})
			continue
		}

		w.claimPass(ctx, parent, children)
	}
}

// watchChildrenWithRetry wraps one ChildrenWatch call with backoff, so a
// persistently unreachable coordination store backs off the run loop
// instead of spinning it hot; spec.md §4.6 has no opinion on this, it is
// purely an implementation resilience concern.
func (w *Worker) watchChildrenWithRetry(ctx context.Context, parent string) ([]string, error) {
	var children []string
	err := retry.RetryWithBackoff(ctx, w.cfg.Retries+1, func() error {
		watchCtx, cancel := context.WithTimeout(ctx, w.cfg.ChildrenRefreshInterval)
		defer cancel()
		c, err := w.store.ChildrenWatch(watchCtx, parent)
		if err != nil {
			return err
		}
		children = c
		return nil
	})
	return children, err
}

// claimPass iterates the given children in randomized order, attempting to
// claim the first UNASSIGNED task node it wins the race for. Randomizing
// claim order (mirroring the membership tracker's randomized-peer gossip
// style) spreads contention across workers instead of having every worker
// pile onto the same head-of-list node.
func (w *Worker) claimPass(ctx context.Context, parent string, children []string) {
	w.busyMu.Lock()
	if w.busy {
		w.busyMu.Unlock()
		return
	}
	w.busyMu.Unlock()

	order := rand.Perm(len(children))
	for _, idx := range order {
		child := children[idx]
		if zkclient.IsRescanNode(child) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		childPath := parent + "/" + child
		if w.tryClaimAndRun(ctx, childPath) {
			return
		}
	}
}

// tryClaimAndRun attempts to claim one task node and, on success, runs it
// to completion (or abandonment) before returning. It reports whether this
// worker claimed (and therefore occupied itself with) the node.
func (w *Worker) tryClaimAndRun(ctx context.Context, childPath string) bool {
	getCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
	data, version, err := w.store.GetData(getCtx, childPath)
	cancel()
	if err != nil {
		return false
	}

	payload, decodeErr := codec.Decode(data)
	if decodeErr != nil || payload.Tag != types.TagUnassigned {
		return false
	}

	casCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
	ok, err := w.store.SetDataCAS(casCtx, childPath, codec.Encode(types.TagOwned, w.cfg.SelfIdentity), version)
	cancel()
	if err != nil || !ok {
		// Lost the race (BadVersion) or a transient error: skip, try
		// the next child.
		return false
	}

	w.busyMu.Lock()
	w.busy = true
	w.busyMu.Unlock()
	defer func() {
		w.busyMu.Lock()
		w.busy = false
		w.busyMu.Unlock()
	}()

	w.metrics.TaskClaimed()
	logName := decodeLogName(childPath)
	w.runClaimedTask(ctx, childPath, logName)
	return true
}

// decodeLogName best-effort recovers the original WAL path from a task
// node's child name, for logging and for the Splitter call. Rescan nodes
// never reach here (filtered in claimPass).
func decodeLogName(childPath string) string {
	name, err := zkclient.TaskNameFromChild(path.Base(childPath))
	if err != nil {
		return path.Base(childPath)
	}
	return name
}

// runClaimedTask performs the split computation with a concurrent
// heartbeat, then publishes the terminal payload, per spec.md §4.6 steps
// 3-4. The Manager (never the worker) deletes the node afterward.
func (w *Worker) runClaimedTask(ctx context.Context, nodePath, logName string) {
	trace := utils.StartTrace(utils.FromContext(ctx), "worker", "split", map[string]interface{}{"task": logName})
	defer trace.End("split complete")

	splitCtx, cancelSplit := context.WithCancel(ctx)
	defer cancelSplit()

	stolen := make(chan struct{})
	var stolenOnce sync.Once
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(splitCtx, nodePath, func() {
			stolenOnce.Do(func() { close(stolen) })
			cancelSplit()
		})
	}()

	result, splitErr := w.splitter.Split(splitCtx, logName)

	cancelSplit()
	<-hbDone

	select {
	case <-stolen:
		// Per spec.md §4.6 step 3: a failed heartbeat CAS means the
		// manager resubmitted this task out from under us. Abort
		// without touching terminal state.
		w.logger.Info("task stolen during split; abandoning without terminal publish", map[string]interface{}{
			"task": logName,
		})
		return
	default:
	}

	w.publishTerminal(ctx, nodePath, logName, result, splitErr)
}

// heartbeatLoop re-CASes nodePath to OWNED(self) on a fixed interval to
// advance its version, until ctx is done. Before each CAS it re-reads the
// node; if the node no longer reads OWNED(self), or the CAS fails, the task
// has been resubmitted elsewhere; onStolen is invoked and the loop exits.
func (w *Worker) heartbeatLoop(ctx context.Context, nodePath string, onStolen func()) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			getCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
			data, version, err := w.store.GetData(getCtx, nodePath)
			cancel()
			if err != nil {
				continue
			}
			if p, decErr := codec.Decode(data); decErr != nil || p.Tag != types.TagOwned || p.Writer != w.cfg.SelfIdentity {
				onStolen()
				return
			}
			casCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
			ok, err := w.store.SetDataCAS(casCtx, nodePath, codec.Encode(types.TagOwned, w.cfg.SelfIdentity), version)
			cancel()
			if err != nil {
				continue
			}
			if !ok {
				onStolen()
				return
			}
			w.metrics.Heartbeat()
		}
	}
}

// publishTerminal CASes nodePath to DONE on success, or ERROR/RESIGNED on
// failure, per spec.md §4.6 step 4. A CAS loss here means the manager has
// already reclaimed the node (e.g. a resubmit raced the split's
// completion); the worker simply drops the result.
func (w *Worker) publishTerminal(ctx context.Context, nodePath, logName string, result types.SplitResult, splitErr error) {
	var payload []byte
	if splitErr == nil {
		payload = codec.Encode(types.TagDone, w.cfg.SelfIdentity)
	} else if sle, ok := splitErr.(*errors.SplitLogError); ok && sle.Code == errors.ErrCodeResourceExhausted {
		// A resource-exhaustion failure is this worker's problem, not
		// the task's: RESIGNED asks the manager to try again later,
		// possibly on a different worker.
		payload = codec.Encode(types.TagResigned, w.cfg.SelfIdentity)
	} else {
		payload = codec.Encode(types.TagError, w.cfg.SelfIdentity)
	}

	getCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
	_, version, err := w.store.GetData(getCtx, nodePath)
	cancel()
	if err != nil {
		w.logger.Warn("failed to read node before publishing terminal state", map[string]interface{}{
			"task": logName, "error": err.Error(),
		})
		return
	}

	casCtx, cancel := context.WithTimeout(ctx, w.cfg.CoordTimeout)
	ok, err := w.store.SetDataCAS(casCtx, nodePath, payload, version)
	cancel()
	if err != nil {
		w.logger.Warn("failed to publish terminal task state", map[string]interface{}{
			"task": logName, "error": err.Error(),
		})
		return
	}
	if !ok {
		w.logger.Info("lost the node before publishing terminal state; manager must have reclaimed it", map[string]interface{}{
			"task": logName,
		})
		return
	}

	if splitErr != nil {
		w.logger.Warn("split failed", map[string]interface{}{"task": logName, "error": splitErr.Error()})
	}
}
