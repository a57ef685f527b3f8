// Package types holds the domain model shared by the Split-Log Manager and
// the Split-Log Worker: tasks, batches, payload tags, and the small set of
// pluggable interfaces each side depends on.
package types

import "time"

// PayloadTag is the bit-exact state tag carried in a task node's value.
type PayloadTag byte

const (
	TagUnassigned PayloadTag = 0x00
	TagOwned      PayloadTag = 0x01
	TagDone       PayloadTag = 0x02
	TagError      PayloadTag = 0x03
	TagResigned   PayloadTag = 0x04
)

// String renders the tag the way log lines want it.
func (t PayloadTag) String() string {
	switch t {
	case TagUnassigned:
		return "UNASSIGNED"
	case TagOwned:
		return "OWNED"
	case TagDone:
		return "DONE"
	case TagError:
		return "ERROR"
	case TagResigned:
		return "RESIGNED"
	default:
		return "UNKNOWN"
	}
}

// TaskStatus is the in-memory termination status of a Task.
type TaskStatus int

const (
	StatusInProgress TaskStatus = iota
	StatusSuccess
	StatusFailure
	StatusDeleted
)

func (s TaskStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ResubmitDirective selects whether a resubmit enforces liveness/timeout
// gating (CHECK) or bypasses it unconditionally (FORCE).
type ResubmitDirective int

const (
	DirectiveCheck ResubmitDirective = iota
	DirectiveForce
)

func (d ResubmitDirective) String() string {
	if d == DirectiveForce {
		return "FORCE"
	}
	return "CHECK"
}

// FinisherResult is the outcome of a Task Finisher invocation.
type FinisherResult int

const (
	FinishDone FinisherResult = iota
	FinishErr
)

// SplitResult is what the pure split(logPath) computation returns.
type SplitResult struct {
	// RegionsTouched is the set of region directories recovered-edits
	// files were written for.
	RegionsTouched []string
	// BytesSplit is the number of bytes read from the source WAL file.
	BytesSplit int64
}

// BatchSnapshot is a point-in-time view of a Batch's progress, used for
// status reporting without taking the batch's lock from outside.
type BatchSnapshot struct {
	Installed int
	Done      int
	Error     int
	IsDead    bool
}

// Remaining reports how many tasks have not yet reached a terminal state.
func (b BatchSnapshot) Remaining() int {
	return b.Installed - b.Done - b.Error
}

// TaskSnapshot is a point-in-time, lock-free view of a Task used for
// diagnostics, tests, and metrics.
type TaskSnapshot struct {
	Path            string
	Status          TaskStatus
	CurrentWorker   string
	LastVersion     int32
	LastUpdate      time.Time
	Incarnation     int
	UnforcedResubmits int
	ThresholdReached  bool
	Orphan          bool
}
