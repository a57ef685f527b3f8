package tests

import (
	"sync"

	"github.com/walsplit/splitlog/pkg/types"
)

// recordingMetrics is a types.MetricsSink that captures every
// BatchCompleted snapshot and resubmit-directive count, letting a
// scenario assert on outcomes (e.g. "no double finish", "threshold
// reached exactly once") that the public Manager API alone doesn't
// expose.
type recordingMetrics struct {
	mu          sync.Mutex
	batches     []types.BatchSnapshot
	resubmits   map[types.ResubmitDirective]int
	terminals   map[types.TaskStatus]int
	claimed     int
	heartbeats  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		resubmits: make(map[types.ResubmitDirective]int),
		terminals: make(map[types.TaskStatus]int),
	}
}

func (r *recordingMetrics) TaskEnqueued() {}

func (r *recordingMetrics) TaskResubmitted(directive types.ResubmitDirective) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resubmits[directive]++
}

func (r *recordingMetrics) TaskTerminal(status types.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[status]++
}

func (r *recordingMetrics) TaskClaimed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed++
}

func (r *recordingMetrics) Heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

func (r *recordingMetrics) BatchCompleted(snapshot types.BatchSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, snapshot)
}

func (r *recordingMetrics) resubmitCount(directive types.ResubmitDirective) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resubmits[directive]
}

func (r *recordingMetrics) terminalCount(status types.TaskStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminals[status]
}

func (r *recordingMetrics) lastBatch() (types.BatchSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return types.BatchSnapshot{}, false
	}
	return r.batches[len(r.batches)-1], true
}

var _ types.MetricsSink = (*recordingMetrics)(nil)
