package manager

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/walsplit/splitlog/pkg/types"
)

// fakeStore is an in-memory types.CoordinationStore used by manager and
// monitor tests, standing in for a real coordination-store ensemble. It
// runs every callback synchronously (on the calling goroutine), which keeps
// tests deterministic without sleeps.
type fakeStore struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	versions map[string]int32
	seq      int32

	// casFailures forces the next N SetDataCAS calls against each keyed
	// path to report a version mismatch, simulating a racing writer.
	casFailures map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    make(map[string][]byte),
		versions: make(map[string]int32),
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
	f.mu.Unlock()
	cb(nil, path)
}

func (f *fakeStore) SetDataCAS(ctx context.Context, path string, data []byte, expectedVersion int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n, ok := f.casFailures[path]; ok && n > 0 {
		f.casFailures[path] = n - 1
		return false, nil
	}

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
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			out = append(out, strings.TrimPrefix(p, prefix))
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
	defer f.mu.Unlock()
	f.seq++
	full := parent + "/" + prefix + string(rune('0'+f.seq))
	f.nodes[full] = data
	f.versions[full] = 0
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

func (f *fakeStore) failNextCAS(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.casFailures == nil {
		f.casFailures = make(map[string]int)
	}
	f.casFailures[path] = n
}

var _ types.CoordinationStore = (*fakeStore)(nil)

// fakeMembership is a types.MembershipWatcher whose dead-worker set is
// controlled directly by tests. DeadWorkers must reflect everything ever
// declared dead, matching internal/membership.Tracker's semantics, since
// Manager.isWorkerDead queries it live rather than caching notifications.
type fakeMembership struct {
	mu   sync.Mutex
	dead map[string]struct{}
	ch   chan string
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{dead: make(map[string]struct{}), ch: make(chan string, 16)}
}

func (f *fakeMembership) DeadWorkers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.dead))
	for w := range f.dead {
		out = append(out, w)
	}
	return out
}

func (f *fakeMembership) Subscribe() <-chan string { return f.ch }

func (f *fakeMembership) declareDead(worker string) {
	f.mu.Lock()
	f.dead[worker] = struct{}{}
	f.mu.Unlock()
	f.ch <- worker
}

var _ types.MembershipWatcher = (*fakeMembership)(nil)
