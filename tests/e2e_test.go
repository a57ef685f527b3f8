package tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/walsplit/splitlog/internal/codec"
	"github.com/walsplit/splitlog/internal/filestore"
	"github.com/walsplit/splitlog/internal/manager"
	"github.com/walsplit/splitlog/internal/worker"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/status"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

// SplitLogSuite runs spec.md §8's end-to-end scenarios (A-F) against a
// real Manager (and, where the scenario calls for a genuine claim race,
// a real Worker) driven over the shared in-memory fakeStore. Scenarios
// that need precise control over claim/heartbeat/terminal timing (B, C,
// D, F) simulate the worker side directly via codec-encoded CAS calls
// instead of running a full Worker, the same way a HBase test harness
// drives SplitLogManager with a scripted ZooKeeper client.
type SplitLogSuite struct {
	suite.Suite
}

func TestSplitLogSuite(t *testing.T) {
	suite.Run(t, new(SplitLogSuite))
}

func writeWAL(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

// waitForTag polls the store until the node at path decodes to wantTag,
// or fails the test after timeout.
func waitForTag(t *testing.T, store *fakeStore, path string, wantTag types.PayloadTag, timeout time.Duration) codec.Payload {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		data, _, _ := store.GetData(context.Background(), path)
		if data != nil {
			if p, err := codec.Decode(data); err == nil && p.Tag == wantTag {
				return p
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to reach tag %v", path, wantTag)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitForTagAfterVersion is like waitForTag but additionally requires the
// node's version to have advanced past minVersion, so a scenario can
// distinguish an initial UNASSIGNED from a later re-UNASSIGNED.
func waitForTagAfterVersion(t *testing.T, store *fakeStore, path string, wantTag types.PayloadTag, minVersion int32, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		data, version, _ := store.GetData(context.Background(), path)
		if data != nil && version > minVersion {
			if p, err := codec.Decode(data); err == nil && p.Tag == wantTag {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to reach tag %v past version %d", path, wantTag, minVersion)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fastManagerConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.SelfIdentity = "manager-under-test"
	cfg.ManagerTimeout = 50 * time.Millisecond
	cfg.ManagerUnassignedTimeout = 40 * time.Millisecond
	cfg.TimeoutMonitorPeriod = 10 * time.Millisecond
	cfg.MaxResubmit = 3
	cfg.CoordTimeout = 2 * time.Second
	cfg.FinisherTimeout = 2 * time.Second
	return cfg
}

// A. Clean one-file split: a real Worker races for and completes the
// task, the Manager deletes the node and reports the file's byte size.
func (s *SplitLogSuite) TestACleanOneFileSplit() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	metrics := newRecordingMetrics()

	dir := t.TempDir()
	body := "region-1\tedit-one\nregion-2\tedit-two\n"
	walPath := writeWAL(t, dir, "wal-A.log", body)
	info, err := os.Stat(walPath)
	require.NoError(t, err)

	mgrCfg := fastManagerConfig()
	mgr := manager.New(mgrCfg, store, files, nil, nil, metrics, nil)

	wcfg := worker.DefaultConfig()
	wcfg.SelfIdentity = "worker-A1"
	wcfg.ChildrenRefreshInterval = 5 * time.Millisecond
	wcfg.CoordTimeout = 2 * time.Second
	splitter := worker.NewFileSplitter(files, t.TempDir())
	w := worker.New(wcfg, store, splitter, nil, nil)

	sessionID := "e2e-scenario-a"
	utils.GetDebugManager().StartSession(sessionID, []string{"manager", "worker"}, 0)
	ctx, cancel := context.WithTimeout(utils.WithContext(context.Background(), sessionID), 5*time.Second)
	defer cancel()

	go func() {
		_ = w.Run(ctx)
	}()
	defer w.Stop()

	total, err := mgr.SplitDistributedPath(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), total)

	batch, ok := metrics.lastBatch()
	require.True(t, ok)
	assert.EqualValues(t, 1, batch.Installed)
	assert.EqualValues(t, 1, batch.Done)
	assert.EqualValues(t, 0, batch.Error)

	data, _, err := store.GetData(ctx, zkclient.TaskPath(mgrCfg.BasePath, walPath))
	assert.NoError(t, err)
	assert.Nil(t, data, "task node should be deleted once the batch completes")

	history := mgr.ProgressHistory(0)
	require.NotEmpty(t, history, "SplitDistributed should publish a completed batch to the status tracker")
	assert.Equal(t, status.BatchCompleted, history[0].Status, "most-recently-finished batch should be first")

	session := utils.GetDebugManager().GetSession(sessionID)
	require.NotNil(t, session)
	managerEvents := session.GetEventsByComponent("manager")
	assert.NotEmpty(t, managerEvents, "enqueue should have recorded a debug trace under the active session")
	workerEvents := session.GetEventsByComponent("worker")
	assert.NotEmpty(t, workerEvents, "runClaimedTask should have recorded a debug trace under the active session")
}

// B. Worker crash mid-split: the first worker's claim is force-resubmitted
// once membership declares it dead, and a second worker finishes the job.
func (s *SplitLogSuite) TestBWorkerCrashMidSplit() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	membership := newFakeMembership()
	metrics := newRecordingMetrics()

	dir := t.TempDir()
	body := "region-1\tedit-b\n"
	walPath := writeWAL(t, dir, "wal-B.log", body)
	info, err := os.Stat(walPath)
	require.NoError(t, err)

	mgrCfg := fastManagerConfig()
	mgr := manager.New(mgrCfg, store, files, nil, membership, metrics, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.FinishInitialization(ctx, false))
	defer mgr.Stop()

	type result struct {
		bytes int64
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		b, e := mgr.SplitDistributedPath(ctx, dir)
		resultCh <- result{b, e}
	}()

	taskPath := zkclient.TaskPath(mgrCfg.BasePath, walPath)
	waitForTag(t, store, taskPath, types.TagUnassigned, time.Second)

	_, version, err := store.GetData(ctx, taskPath)
	require.NoError(t, err)
	ok, err := store.SetDataCAS(ctx, taskPath, codec.Encode(types.TagOwned, "worker-B1"), version)
	require.NoError(t, err)
	require.True(t, ok, "first worker should win the claim race")

	membership.declareDead("worker-B1")

	// Force-resubmit flips the node back to UNASSIGNED with a bumped
	// version, well inside one monitor period.
	waitForTagAfterVersion(t, store, taskPath, types.TagUnassigned, version, time.Second)

	_, version2, err := store.GetData(ctx, taskPath)
	require.NoError(t, err)
	ok, err = store.SetDataCAS(ctx, taskPath, codec.Encode(types.TagOwned, "worker-B2"), version2)
	require.NoError(t, err)
	require.True(t, ok, "second worker should claim the resubmitted task")

	_, version3, err := store.GetData(ctx, taskPath)
	require.NoError(t, err)
	ok, err = store.SetDataCAS(ctx, taskPath, codec.Encode(types.TagDone, "worker-B2"), version3)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, info.Size(), res.bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SplitDistributedPath to complete")
	}

	assert.GreaterOrEqual(t, metrics.resubmitCount(types.DirectiveForce), 1)
}

// C. Node vanishes: a node is deleted out from under the Manager (a
// spurious delete by a second master) before it ever reaches a terminal
// payload. The watcher's "node vanished" branch must record success
// exactly once, never panicking on the Manager's own, now-redundant,
// delete call.
func (s *SplitLogSuite) TestCNodeVanishes() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	metrics := newRecordingMetrics()

	dir := t.TempDir()
	body := "region-1\tedit-c\n"
	walPath := writeWAL(t, dir, "wal-C.log", body)
	info, err := os.Stat(walPath)
	require.NoError(t, err)

	mgrCfg := fastManagerConfig()
	mgr := manager.New(mgrCfg, store, files, nil, nil, metrics, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		bytes int64
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		b, e := mgr.SplitDistributedPath(ctx, dir)
		resultCh <- result{b, e}
	}()

	taskPath := zkclient.TaskPath(mgrCfg.BasePath, walPath)
	waitForTag(t, store, taskPath, types.TagUnassigned, time.Second)

	_, version, err := store.GetData(ctx, taskPath)
	require.NoError(t, err)
	ok, err := store.SetDataCAS(ctx, taskPath, codec.Encode(types.TagOwned, "worker-C1"), version)
	require.NoError(t, err)
	require.True(t, ok)

	// A second master spuriously deletes the node while it is still
	// OWNED, before any DONE payload was ever published.
	store.AsyncDelete(taskPath, mgrCfg.Retries, func(error, string) {})

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, info.Size(), res.bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SplitDistributedPath to complete")
	}

	assert.Equal(t, 1, metrics.terminalCount(types.StatusSuccess))
	assert.Equal(t, 0, metrics.terminalCount(types.StatusFailure))
	batch, ok := metrics.lastBatch()
	require.True(t, ok)
	assert.EqualValues(t, 1, batch.Done)
	assert.EqualValues(t, 0, batch.Error)
}

// D. Threshold exhaustion: a worker keeps re-claiming the task but never
// completes it. After MaxResubmit CHECK-resubmits, the Manager stops
// resubmitting and the batch never completes on its own.
func (s *SplitLogSuite) TestDThresholdExhaustion() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	metrics := newRecordingMetrics()

	dir := t.TempDir()
	writeWAL(t, dir, "wal-D.log", "region-1\tedit-d\n")

	mgrCfg := fastManagerConfig()
	mgrCfg.ManagerTimeout = 5 * time.Millisecond
	mgrCfg.MaxResubmit = 3
	mgr := manager.New(mgrCfg, store, files, nil, nil, metrics, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, mgr.FinishInitialization(ctx, false))
	defer mgr.Stop()

	resultCh := make(chan struct {
		bytes int64
		err   error
	}, 1)
	go func() {
		b, e := mgr.SplitDistributedPath(ctx, dir)
		resultCh <- struct {
			bytes int64
			err   error
		}{b, e}
	}()

	taskPath := zkclient.TaskPath(mgrCfg.BasePath, filepath.Join(dir, "wal-D.log"))
	waitForTag(t, store, taskPath, types.TagUnassigned, time.Second)

	// A zombie worker: it claims the task every time the Timeout Monitor
	// resets it to UNASSIGNED, but never heartbeats again afterward and
	// never publishes a terminal payload. Each claim-then-stall cycle
	// burns one CHECK-resubmit against the threshold.
	zombieDone := make(chan struct{})
	go func() {
		defer close(zombieDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			data, version, err := store.GetData(ctx, taskPath)
			if err == nil && data != nil {
				if p, decErr := codec.Decode(data); decErr == nil && p.Tag == types.TagUnassigned {
					_, _ = store.SetDataCAS(ctx, taskPath, codec.Encode(types.TagOwned, "worker-Dzombie"), version)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Poll until the threshold is hit instead of sleeping a fixed amount,
	// so the assertion isn't sensitive to scheduling jitter.
	deadline := time.Now().Add(2 * time.Second)
	for metrics.resubmitCount(types.DirectiveCheck) < mgrCfg.MaxResubmit {
		if time.Now().After(deadline) {
			t.Fatalf("CHECK-resubmit count never reached the threshold: got %d, want %d",
				metrics.resubmitCount(types.DirectiveCheck), mgrCfg.MaxResubmit)
		}
		time.Sleep(2 * time.Millisecond)
	}
	finalThreshold := metrics.resubmitCount(types.DirectiveCheck)
	assert.Equal(t, mgrCfg.MaxResubmit, finalThreshold)

	// Give it a good deal longer and confirm no further CHECK-resubmits
	// accumulate once the threshold is reached.
	time.Sleep(20 * mgrCfg.TimeoutMonitorPeriod)
	assert.Equal(t, finalThreshold, metrics.resubmitCount(types.DirectiveCheck))

	cancel()
	<-zombieDone

	select {
	case res := <-resultCh:
		require.Error(t, res.err, "batch must not complete on its own once resubmits are exhausted")
	case <-time.After(2 * time.Second):
		t.Fatal("SplitDistributedPath should have returned once its context was canceled")
	}
}

// E. Rescan broadcast: with no workers claiming anything, the Manager
// periodically creates a rescan beacon once ManagerUnassignedTimeout has
// elapsed with no assigned tasks; a worker that appears afterward still
// picks up the pending task and skips the beacon node itself.
func (s *SplitLogSuite) TestERescanBroadcast() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	metrics := newRecordingMetrics()

	dir := t.TempDir()
	body := "region-1\tedit-e\n"
	walPath := writeWAL(t, dir, "wal-E.log", body)
	info, err := os.Stat(walPath)
	require.NoError(t, err)

	mgrCfg := fastManagerConfig()
	mgrCfg.ManagerUnassignedTimeout = 15 * time.Millisecond
	mgrCfg.TimeoutMonitorPeriod = 5 * time.Millisecond
	mgr := manager.New(mgrCfg, store, files, nil, nil, metrics, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.FinishInitialization(ctx, false))
	defer mgr.Stop()

	resultCh := make(chan struct {
		bytes int64
		err   error
	}, 1)
	go func() {
		b, e := mgr.SplitDistributedPath(ctx, dir)
		resultCh <- struct {
			bytes int64
			err   error
		}{b, e}
	}()

	taskPath := zkclient.TaskPath(mgrCfg.BasePath, walPath)
	waitForTag(t, store, taskPath, types.TagUnassigned, time.Second)

	// Wait long enough for at least one rescan beacon to be broadcast
	// while no worker has claimed anything.
	parent := zkclient.TaskParent(mgrCfg.BasePath)
	deadline := time.Now().Add(2 * time.Second)
	sawBeacon := false
	for time.Now().Before(deadline) {
		children, err := store.ListChildren(ctx, parent)
		require.NoError(t, err)
		for _, c := range children {
			if zkclient.IsRescanNode(c) {
				sawBeacon = true
			}
		}
		if sawBeacon {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, sawBeacon, "expected the manager to broadcast a rescan beacon")

	// A worker now appears; it must skip the beacon node and claim the
	// still-pending task.
	wcfg := worker.DefaultConfig()
	wcfg.SelfIdentity = "worker-E1"
	wcfg.ChildrenRefreshInterval = 5 * time.Millisecond
	splitter := worker.NewFileSplitter(files, t.TempDir())
	w := worker.New(wcfg, store, splitter, nil, nil)
	go func() { _ = w.Run(ctx) }()
	defer w.Stop()

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, info.Size(), res.bytes)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the rescanned task to complete")
	}
}

// F. Duplicate enqueue: enqueuing the same log path twice within one
// batch must raise a typed error on the second call and must not
// change the batch's installed count.
func (s *SplitLogSuite) TestFDuplicateEnqueue() {
	t := s.T()
	store := newFakeStore()
	files := filestore.NewLocalLogStore()
	metrics := newRecordingMetrics()

	mgrCfg := fastManagerConfig()
	mgr := manager.New(mgrCfg, store, files, nil, nil, metrics, nil)

	dir := t.TempDir()
	walPath := writeWAL(t, dir, "wal-F.log", "region-1\tedit-f\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// SplitDistributed with the same path twice in one call simulates
	// enqueuing "/log/A" twice within one batch lifetime.
	_, err := mgr.SplitDistributed(ctx, []string{dir, dir})
	require.Error(t, err)

	taskPath := zkclient.TaskPath(mgrCfg.BasePath, walPath)
	data, _, getErr := store.GetData(ctx, taskPath)
	require.NoError(t, getErr)
	require.NotNil(t, data, "the original task node must still exist, unharmed by the duplicate")
}
