// Package status provides progress tracking for in-flight split batches, in
// the same tracked-operation style the coordinator uses for other
// long-running work: a registry of active batches, a bounded history of
// finished ones, and subscriber channels for callers that want to watch a
// batch in progress (a CLI progress bar, an admin endpoint).
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/types"
)

var batchIDCounter uint64

// BatchStatus is the lifecycle state of a tracked batch.
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchInProgress
	BatchCompleted
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchInProgress:
		return "in_progress"
	case BatchCompleted:
		return "completed"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Batch is a tracked splitDistributed invocation.
type Batch struct {
	ID        string               `json:"id"`
	Status    BatchStatus          `json:"status"`
	Snapshot  types.BatchSnapshot  `json:"snapshot"`
	StartTime time.Time            `json:"start_time"`
	EndTime   *time.Time           `json:"end_time,omitempty"`
	Error     *errors.SplitLogError `json:"error,omitempty"`

	mu          sync.RWMutex
	cancelFunc  context.CancelFunc
	subscribers []chan BatchUpdate
}

// BatchUpdate is a point-in-time notification pushed to subscribers.
type BatchUpdate struct {
	Batch     *Batch    `json:"batch"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Tracker tracks all in-flight batches and keeps a bounded history of
// finished ones.
type Tracker struct {
	mu         sync.RWMutex
	batches    map[string]*Batch
	history    []*Batch
	maxHistory int
}

// TrackerConfig configures batch tracking behavior.
type TrackerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxHistorySize: 1000}
}

func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}
	return &Tracker{
		batches:    make(map[string]*Batch),
		history:    make([]*Batch, 0, config.MaxHistorySize),
		maxHistory: config.MaxHistorySize,
	}
}

// StartBatch registers a new in-flight batch and returns a context that is
// canceled when the batch finishes or is explicitly canceled.
func (t *Tracker) StartBatch(ctx context.Context) (*Batch, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batchCtx, cancel := context.WithCancel(ctx)
	b := &Batch{
		ID:          generateBatchID(),
		Status:      BatchInProgress,
		StartTime:   time.Now(),
		cancelFunc:  cancel,
		subscribers: make([]chan BatchUpdate, 0),
	}

	t.batches[b.ID] = b
	t.notify(b, "batch started")
	return b, batchCtx
}

// UpdateSnapshot records the latest installed/done/error/dead counters for a
// batch, as observed by the Manager's in-memory Batch counters.
func (t *Tracker) UpdateSnapshot(batchID string, snapshot types.BatchSnapshot) error {
	t.mu.RLock()
	b, ok := t.batches[batchID]
	t.mu.RUnlock()
	if !ok {
		return errors.NewError(errors.ErrCodeNotInitialized, "batch not found").WithContext("batch_id", batchID)
	}

	b.mu.Lock()
	b.Snapshot = snapshot
	b.mu.Unlock()

	t.notify(b, "progress updated")
	return nil
}

// CompleteBatch marks a batch successful and moves it to history.
func (t *Tracker) CompleteBatch(batchID string) error {
	return t.finish(batchID, BatchCompleted, nil, "batch completed")
}

// FailBatch marks a batch failed (the coordination store declared it dead)
// and moves it to history.
func (t *Tracker) FailBatch(batchID string, err error) error {
	return t.finish(batchID, BatchFailed, err, "batch failed")
}

func (t *Tracker) finish(batchID string, status BatchStatus, err error, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[batchID]
	if !ok {
		return errors.NewError(errors.ErrCodeNotInitialized, "batch not found").WithContext("batch_id", batchID)
	}

	b.mu.Lock()
	b.Status = status
	now := time.Now()
	b.EndTime = &now
	if err != nil {
		if slErr, ok := err.(*errors.SplitLogError); ok {
			b.Error = slErr
		} else {
			b.Error = errors.NewError(errors.ErrCodeTaskFailed, err.Error())
		}
	}
	if b.cancelFunc != nil {
		b.cancelFunc()
	}
	subscribers := make([]chan BatchUpdate, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.Unlock()

	t.moveToHistory(b)
	delete(t.batches, batchID)

	if len(subscribers) > 0 {
		t.notifyList(b, subscribers, message)
	}
	return nil
}

// GetBatch returns a snapshot copy of a tracked batch.
func (t *Tracker) GetBatch(batchID string) (*Batch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[batchID]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotInitialized, "batch not found").WithContext("batch_id", batchID)
	}
	return b.Copy(), nil
}

// GetHistory returns up to limit most-recently-finished batches, most recent
// first. limit <= 0 returns the full history.
func (t *Tracker) GetHistory(limit int) []*Batch {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	result := make([]*Batch, limit)
	copy(result, t.history[:limit])
	return result
}

// Subscribe returns a channel of updates for a single batch.
func (t *Tracker) Subscribe(batchID string) (<-chan BatchUpdate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[batchID]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotInitialized, "batch not found").WithContext("batch_id", batchID)
	}

	ch := make(chan BatchUpdate, 10)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch, nil
}

func (t *Tracker) moveToHistory(b *Batch) {
	t.history = append([]*Batch{b.Copy()}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

func (t *Tracker) notify(b *Batch, message string) {
	b.mu.RLock()
	subscribers := make([]chan BatchUpdate, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()
	t.notifyList(b, subscribers, message)
}

func (t *Tracker) notifyList(b *Batch, subscribers []chan BatchUpdate, message string) {
	update := BatchUpdate{Batch: b.Copy(), Timestamp: time.Now(), Message: message}
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Copy returns an independent deep copy of a batch.
func (b *Batch) Copy() *Batch {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Batch{
		ID:        b.ID,
		Status:    b.Status,
		Snapshot:  b.Snapshot,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
		Error:     b.Error,
	}
}

func generateBatchID() string {
	counter := atomic.AddUint64(&batchIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().Unix(), counter)
}
