package worker

import (
	"context"
	"testing"
	"time"

	"github.com/walsplit/splitlog/internal/codec"
	"github.com/walsplit/splitlog/internal/zkclient"
	"github.com/walsplit/splitlog/pkg/types"
)

// fakeStore is a minimal in-memory types.CoordinationStore sufficient to
// drive claimPass/tryClaimAndRun without a real ensemble.
type fakeStore struct {
	nodes    map[string][]byte
	versions map[string]int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[string][]byte), versions: make(map[string]int32)}
}

func (f *fakeStore) AsyncCreate(path string, data []byte, retries int, cb types.CreateCallback) {
	if _, ok := f.nodes[path]; !ok {
		f.nodes[path] = data
		f.versions[path] = 0
	}
	cb(nil, path)
}
func (f *fakeStore) AsyncGetData(path string, watch bool, cb types.DataCallback) {
	cb(nil, path, f.nodes[path], f.versions[path])
}
func (f *fakeStore) AsyncDelete(path string, retries int, cb types.DeleteCallback) {
	delete(f.nodes, path)
	delete(f.versions, path)
	cb(nil, path)
}
func (f *fakeStore) SetDataCAS(ctx context.Context, path string, data []byte, expectedVersion int32) (bool, error) {
	cur, ok := f.versions[path]
	if !ok {
		return false, nil
	}
	if expectedVersion != -1 && cur != expectedVersion {
		return false, nil
	}
	f.nodes[path] = data
	f.versions[path] = cur + 1
	return true, nil
}
func (f *fakeStore) GetData(ctx context.Context, path string) ([]byte, int32, error) {
	return f.nodes[path], f.versions[path], nil
}
func (f *fakeStore) ListChildren(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) ChildrenWatch(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	full := parent + "/" + prefix + "1"
	f.nodes[full] = data
	f.versions[full] = 0
	return full, nil
}
func (f *fakeStore) Exists(ctx context.Context, path string) (int32, error) {
	if v, ok := f.versions[path]; ok {
		return v, nil
	}
	return -1, nil
}
func (f *fakeStore) EnsurePath(ctx context.Context, path string) error {
	if _, ok := f.nodes[path]; !ok {
		f.nodes[path] = nil
		f.versions[path] = 0
	}
	return nil
}

var _ types.CoordinationStore = (*fakeStore)(nil)

type stubSplitter struct {
	result types.SplitResult
	err    error
	called chan string
}

func (s *stubSplitter) Split(ctx context.Context, logPath string) (types.SplitResult, error) {
	if s.called != nil {
		s.called <- logPath
	}
	return s.result, s.err
}

func TestWorkerClaimsAndPublishesDone(t *testing.T) {
	store := newFakeStore()
	taskPath := zkclient.TaskPath("", "/log/A")
	store.nodes[taskPath] = codec.Encode(types.TagUnassigned, "")
	store.versions[taskPath] = 0

	splitter := &stubSplitter{result: types.SplitResult{BytesSplit: 42}}
	cfg := DefaultConfig()
	cfg.SelfIdentity = "worker-1"
	cfg.HeartbeatInterval = time.Hour // don't fire during this fast test

	w := New(cfg, store, splitter, nil, nil)

	ctx := context.Background()
	claimed := w.tryClaimAndRun(ctx, taskPath)
	if !claimed {
		t.Fatal("expected worker to win the claim race on an UNASSIGNED node")
	}

	payload, err := codec.Decode(store.nodes[taskPath])
	if err != nil {
		t.Fatalf("decode final payload: %v", err)
	}
	if payload.Tag != types.TagDone {
		t.Fatalf("expected DONE payload, got %v", payload.Tag)
	}
	if payload.Writer != "worker-1" {
		t.Fatalf("expected writer worker-1, got %q", payload.Writer)
	}
}

func TestWorkerSkipsAlreadyOwnedNode(t *testing.T) {
	store := newFakeStore()
	taskPath := zkclient.TaskPath("", "/log/B")
	store.nodes[taskPath] = codec.Encode(types.TagOwned, "other-worker")
	store.versions[taskPath] = 3

	cfg := DefaultConfig()
	cfg.SelfIdentity = "worker-2"
	w := New(cfg, store, &stubSplitter{}, nil, nil)

	if w.tryClaimAndRun(context.Background(), taskPath) {
		t.Fatal("expected worker not to claim an already-OWNED node")
	}
}

// racyStore wraps fakeStore and bumps a node's version immediately after
// GetData returns, simulating a peer worker's CAS landing between our read
// and our own CAS attempt.
type racyStore struct {
	*fakeStore
	raceOn string
	raced  bool
}

func (r *racyStore) GetData(ctx context.Context, path string) ([]byte, int32, error) {
	data, version, err := r.fakeStore.GetData(ctx, path)
	if path == r.raceOn && !r.raced {
		r.raced = true
		r.fakeStore.versions[path]++
	}
	return data, version, err
}

func TestWorkerLosesRaceOnBadVersion(t *testing.T) {
	inner := newFakeStore()
	taskPath := zkclient.TaskPath("", "/log/C")
	inner.nodes[taskPath] = codec.Encode(types.TagUnassigned, "")
	inner.versions[taskPath] = 0
	store := &racyStore{fakeStore: inner, raceOn: taskPath}

	cfg := DefaultConfig()
	cfg.SelfIdentity = "worker-3"
	w := New(cfg, store, &stubSplitter{}, nil, nil)

	claimed := w.tryClaimAndRun(context.Background(), taskPath)
	if claimed {
		t.Fatal("expected claim to lose the race once the version moved under us")
	}
}

func TestWorkerPublishesErrorOnSplitFailure(t *testing.T) {
	store := newFakeStore()
	taskPath := zkclient.TaskPath("", "/log/D")
	store.nodes[taskPath] = codec.Encode(types.TagUnassigned, "")
	store.versions[taskPath] = 0

	splitter := &stubSplitter{err: context.DeadlineExceeded}
	cfg := DefaultConfig()
	cfg.SelfIdentity = "worker-4"
	w := New(cfg, store, splitter, nil, nil)

	if !w.tryClaimAndRun(context.Background(), taskPath) {
		t.Fatal("expected the claim itself to succeed even though the split fails")
	}

	payload, err := codec.Decode(store.nodes[taskPath])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Tag != types.TagError {
		t.Fatalf("expected ERROR payload on split failure, got %v", payload.Tag)
	}
}

func TestClaimPassSkipsRescanNodes(t *testing.T) {
	store := newFakeStore()
	parent := zkclient.TaskParent("")
	beacon := parent + "/" + zkclient.RescanPrefix + "-1"
	store.nodes[beacon] = codec.Encode(types.TagDone, "manager")
	store.versions[beacon] = 0

	cfg := DefaultConfig()
	w := New(cfg, store, &stubSplitter{}, nil, nil)

	// Must not panic or attempt to claim the beacon as a task.
	w.claimPass(context.Background(), parent, []string{zkclient.RescanPrefix + "-1"})
}
