package types

import "context"

// CreateCallback is delivered once an asynchronous create completes (or
// exhausts its retry budget). err is nil on success or on a fail-silent
// NodeExists per spec.md §4.1.
type CreateCallback func(err error, path string)

// DataCallback is delivered for an asynchronous getData call. When watch
// was requested, it is invoked again every time the node's data changes,
// with the one-shot watch transparently re-armed by the implementation —
// this is the "getDataSetWatchSuccess" delivery spec.md §4.3 describes.
// version is the sentinel MinInt32 when the node has vanished (data is
// nil); Version is otherwise the coordination store's per-node version.
type DataCallback func(err error, path string, data []byte, version int32)

// DeleteCallback is delivered once an asynchronous delete completes (or
// exhausts its retry budget). err is nil on success or on a fail-silent
// NoNode per spec.md §4.1.
type DeleteCallback func(err error, path string)

// VersionDeleted is the sentinel version CoordinationStore implementations
// report alongside nil data in a DataCallback when a node has vanished —
// spec.md §4.3's "data == null and version == sentinel min int" case.
const VersionDeleted int32 = -1 << 31

// CoordinationStore is the capability set spec.md §4.1 requires of the
// Coordination Client: thin recoverable async primitives plus a handful of
// blocking calls the Manager and Worker use outside the callback path.
// internal/zkclient provides the production implementation over
// go-zookeeper/zk; tests substitute an in-memory fake.
type CoordinationStore interface {
	// AsyncCreate creates path with data. retries is the retry budget
	// described in spec.md §4.1 (negative means best-effort).
	AsyncCreate(path string, data []byte, retries int, cb CreateCallback)

	// AsyncGetData reads path's data and, if watch is true, re-arms a
	// one-shot watch and redelivers cb on every subsequent change.
	AsyncGetData(path string, watch bool, cb DataCallback)

	// AsyncDelete deletes path. retries is the retry budget.
	AsyncDelete(path string, retries int, cb DeleteCallback)

	// SetDataCAS performs a version-conditioned update, returning false
	// (not an error) on version mismatch.
	SetDataCAS(ctx context.Context, path string, data []byte, expectedVersion int32) (bool, error)

	// GetData is the blocking counterpart of AsyncGetData without a
	// watch, used by the worker's claim loop to read each child once per
	// pass.
	GetData(ctx context.Context, path string) (data []byte, version int32, err error)

	// ListChildren lists path's children, or returns (nil, nil) if path
	// itself does not exist.
	ListChildren(ctx context.Context, path string) ([]string, error)

	// ChildrenWatch blocks until path's children change (or ctx is done)
	// and returns the refreshed list. Used by the worker to maintain its
	// local snapshot of the task parent znode.
	ChildrenWatch(ctx context.Context, path string) ([]string, error)

	// CreateEphemeralSequential creates an ephemeral-sequential
	// child of parent named prefix-<seq> and returns its full path.
	CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error)

	// Exists returns the node's version, or -1 if it does not exist.
	Exists(ctx context.Context, path string) (int32, error)

	// EnsurePath creates path and any missing persistent ancestors,
	// succeeding silently if it already exists.
	EnsurePath(ctx context.Context, path string) error
}

// Finisher is the pluggable post-processor the Manager invokes exactly once
// per successful task, before the task's node is deleted. Implementations
// must be idempotent and restartable: the same (workerName, taskName) pair
// may be delivered again after a master restart if the delete never
// completed.
type Finisher interface {
	Finish(ctx context.Context, workerName, taskName string) (FinisherResult, error)
}

// FinisherFunc adapts a plain function to the Finisher interface.
type FinisherFunc func(ctx context.Context, workerName, taskName string) (FinisherResult, error)

func (f FinisherFunc) Finish(ctx context.Context, workerName, taskName string) (FinisherResult, error) {
	return f(ctx, workerName, taskName)
}

// MembershipWatcher is the narrow view the Manager needs of the cluster
// membership service: a snapshot of workers presently believed dead, and a
// channel that delivers worker identities as they are newly declared dead.
// Spec-wise this is an external collaborator; internal/membership supplies
// one concrete implementation.
type MembershipWatcher interface {
	DeadWorkers() []string
	Subscribe() <-chan string
}

// Splitter is the pure log-splitting computation, external to the
// coordination core by design: given a WAL file path, it writes
// recovered-edits files for every affected region and returns a summary.
type Splitter interface {
	Split(ctx context.Context, logPath string) (SplitResult, error)
}

// MetricsSink is the task-monitoring/metrics collaborator. It is consulted
// on every state transition the Manager and Worker observe; a nil sink is
// valid and simply drops the observation.
type MetricsSink interface {
	TaskEnqueued()
	TaskResubmitted(directive ResubmitDirective)
	TaskTerminal(status TaskStatus)
	TaskClaimed()
	Heartbeat()
	BatchCompleted(snapshot BatchSnapshot)
}

// NoopMetricsSink discards every observation. Useful as a default so callers
// never need a nil check.
type NoopMetricsSink struct{}

func (NoopMetricsSink) TaskEnqueued()                            {}
func (NoopMetricsSink) TaskResubmitted(_ ResubmitDirective)       {}
func (NoopMetricsSink) TaskTerminal(_ TaskStatus)                 {}
func (NoopMetricsSink) TaskClaimed()                              {}
func (NoopMetricsSink) Heartbeat()                                {}
func (NoopMetricsSink) BatchCompleted(_ BatchSnapshot)            {}
