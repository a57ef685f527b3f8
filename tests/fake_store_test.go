package tests

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/walsplit/splitlog/pkg/types"
)

// fakeStore is an in-memory types.CoordinationStore shared by the
// end-to-end scenario suite. Unlike the package-local fakes in
// internal/manager and internal/worker, its AsyncGetData registers a
// standing watcher that fires on every later SetDataCAS/AsyncDelete —
// the same auto-re-arm behavior internal/zkclient.Client gives its
// one-shot ZooKeeper watches, so a real Manager driven against this
// store observes OWNED/DONE/ERROR transitions the same way it would
// against a live ensemble, without the test manually replaying events.
type fakeStore struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	versions map[string]int32
	watchers map[string][]types.DataCallback
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    make(map[string][]byte),
		versions: make(map[string]int32),
		watchers: make(map[string][]types.DataCallback),
	}
}

func (f *fakeStore) AsyncCreate(path string, data []byte, retries int, cb types.CreateCallback) {
	f.mu.Lock()
	if _, exists := f.nodes[path]; !exists {
		f.nodes[path] = data
		f.versions[path] = 0
	}
	f.mu.Unlock()
	cb(nil, path)
}

func (f *fakeStore) AsyncGetData(path string, watch bool, cb types.DataCallback) {
	f.mu.Lock()
	data, ok := f.nodes[path]
	version := f.versions[path]
	if watch {
		f.watchers[path] = append(f.watchers[path], cb)
	}
	f.mu.Unlock()

	if !ok {
		cb(nil, path, nil, types.VersionDeleted)
		return
	}
	cb(nil, path, data, version)
}

func (f *fakeStore) AsyncDelete(path string, retries int, cb types.DeleteCallback) {
	f.mu.Lock()
	delete(f.nodes, path)
	delete(f.versions, path)
	cbs := f.watchers[path]
	delete(f.watchers, path)
	f.mu.Unlock()

	for _, c := range cbs {
		c(nil, path, nil, types.VersionDeleted)
	}
	cb(nil, path)
}

func (f *fakeStore) SetDataCAS(ctx context.Context, path string, data []byte, expectedVersion int32) (bool, error) {
	f.mu.Lock()
	cur, ok := f.versions[path]
	if !ok {
		f.mu.Unlock()
		return false, nil
	}
	if expectedVersion != -1 && cur != expectedVersion {
		f.mu.Unlock()
		return false, nil
	}
	newVersion := cur + 1
	f.nodes[path] = data
	f.versions[path] = newVersion
	cbs := append([]types.DataCallback(nil), f.watchers[path]...)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(nil, path, data, newVersion)
	}
	return true, nil
}

func (f *fakeStore) GetData(ctx context.Context, path string) ([]byte, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[path], f.versions[path], nil
}

func (f *fakeStore) ListChildren(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	var out []string
	for p := range f.nodes {
		if rest := strings.TrimPrefix(p, prefix); rest != p && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ChildrenWatch(ctx context.Context, path string) ([]string, error) {
	return f.ListChildren(ctx, path)
}

func (f *fakeStore) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	f.mu.Lock()
	f.seq++
	full := fmt.Sprintf("%s/%s%05d", parent, prefix, f.seq)
	f.nodes[full] = data
	f.versions[full] = 0
	f.mu.Unlock()
	return full, nil
}

func (f *fakeStore) Exists(ctx context.Context, path string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.versions[path]; ok {
		return v, nil
	}
	return -1, nil
}

func (f *fakeStore) EnsurePath(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; !ok {
		f.nodes[path] = nil
		f.versions[path] = 0
	}
	return nil
}

var _ types.CoordinationStore = (*fakeStore)(nil)

// fakeMembership is a types.MembershipWatcher a test can declare workers
// dead on, driving the Manager's dead-worker acceleration path without a
// real gossip ensemble.
type fakeMembership struct {
	ch chan string
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{ch: make(chan string, 16)}
}

func (f *fakeMembership) DeadWorkers() []string    { return nil }
func (f *fakeMembership) Subscribe() <-chan string { return f.ch }
func (f *fakeMembership) declareDead(worker string) { f.ch <- worker }

var _ types.MembershipWatcher = (*fakeMembership)(nil)
