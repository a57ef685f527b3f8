package status

import (
	"context"
	"testing"
	"time"

	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/types"
)

func TestBatchStatus_String(t *testing.T) {
	tests := []struct {
		status   BatchStatus
		expected string
	}{
		{BatchPending, "pending"},
		{BatchInProgress, "in_progress"},
		{BatchCompleted, "completed"},
		{BatchFailed, "failed"},
		{BatchStatus(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("String() = %s, want %s", got, tt.expected)
		}
	}
}

func TestTracker_StartAndUpdate(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	b, ctx := tracker.StartBatch(context.Background())
	if b.ID == "" {
		t.Fatal("batch ID empty")
	}
	if ctx == nil {
		t.Fatal("batch context nil")
	}

	if err := tracker.UpdateSnapshot(b.ID, types.BatchSnapshot{Installed: 3, Done: 1}); err != nil {
		t.Fatalf("UpdateSnapshot: %v", err)
	}

	got, err := tracker.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Snapshot.Installed != 3 || got.Snapshot.Done != 1 {
		t.Errorf("snapshot = %+v", got.Snapshot)
	}
}

func TestTracker_CompleteBatch(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	b, _ := tracker.StartBatch(context.Background())

	if err := tracker.CompleteBatch(b.ID); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if _, err := tracker.GetBatch(b.ID); err == nil {
		t.Error("expected error getting completed batch")
	}
	history := tracker.GetHistory(10)
	if len(history) != 1 || history[0].Status != BatchCompleted {
		t.Errorf("history = %+v", history)
	}
	if history[0].EndTime == nil {
		t.Error("EndTime not set")
	}
}

func TestTracker_FailBatch(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	b, _ := tracker.StartBatch(context.Background())

	testErr := errors.NewError(errors.ErrCodeRetryExhausted, "batch is dead")
	if err := tracker.FailBatch(b.ID, testErr); err != nil {
		t.Fatalf("FailBatch: %v", err)
	}
	history := tracker.GetHistory(10)
	if len(history) != 1 || history[0].Status != BatchFailed {
		t.Errorf("history = %+v", history)
	}
	if history[0].Error == nil || history[0].Error.Code != errors.ErrCodeRetryExhausted {
		t.Errorf("Error = %+v", history[0].Error)
	}
}

func TestTracker_CancelOnFinish(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	b, ctx := tracker.StartBatch(context.Background())

	if err := tracker.CompleteBatch(b.ID); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("batch context was not canceled on finish")
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	b, _ := tracker.StartBatch(context.Background())

	updates, err := tracker.Subscribe(b.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go func() {
		_ = tracker.UpdateSnapshot(b.ID, types.BatchSnapshot{Installed: 1})
	}()

	select {
	case update := <-updates:
		if update.Batch.ID != b.ID {
			t.Errorf("update batch ID = %s, want %s", update.Batch.ID, b.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("did not receive update notification")
	}
}

func TestTracker_NotFound(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	if err := tracker.UpdateSnapshot("missing", types.BatchSnapshot{}); err == nil {
		t.Error("expected error for missing batch")
	}
	if _, err := tracker.GetBatch("missing"); err == nil {
		t.Error("expected error for missing batch")
	}
	if _, err := tracker.Subscribe("missing"); err == nil {
		t.Error("expected error for missing batch")
	}
}

func TestTracker_MaxHistory(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxHistorySize = 2
	tracker := NewTracker(config)

	for i := 0; i < 4; i++ {
		b, _ := tracker.StartBatch(context.Background())
		if err := tracker.CompleteBatch(b.ID); err != nil {
			t.Fatalf("CompleteBatch: %v", err)
		}
	}
	if got := len(tracker.GetHistory(0)); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}
