package cache

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/remote"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/stretchr/testify/require"
)

const testBase = "/dav"

var errRemoteDown = errors.New("remote unavailable")

// fakeRepo is an in-memory repository keyed by repository path.
type fakeRepo struct {
	mu        sync.Mutex
	items     map[string]trees.Attributes
	listCalls map[string]int
	statCalls int
	listErr   error
	statErr   error
	gate      chan struct{}
	entered   chan string
}

func newFakeRepo() *fakeRepo {
	r := &fakeRepo{
		items:     make(map[string]trees.Attributes),
		listCalls: make(map[string]int),
	}
	r.items[testBase] = trees.Attributes{IsDir: true}
	return r
}

func (r *fakeRepo) addDir(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[path.Join(testBase, p)] = trees.Attributes{IsDir: true}
}

func (r *fakeRepo) addFile(p string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[path.Join(testBase, p)] = trees.Attributes{Size: size, ModTime: time.Unix(1700000000, 0)}
}

func (r *fakeRepo) remove(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, path.Join(testBase, p))
}

func (r *fakeRepo) failLists(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

// block makes List wait until release is called. Each blocked call reports
// its path on entered.
func (r *fakeRepo) block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.entered = make(chan string, 16)
}

func (r *fakeRepo) release() {
	r.mu.Lock()
	gate := r.gate
	r.gate = nil
	r.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// waitEntered blocks until a gated List call has started.
func (r *fakeRepo) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.entered:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("repository list was never called")
		return ""
	}
}

func (r *fakeRepo) lists(p string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls[path.Join(testBase, p)]
}

func (r *fakeRepo) List(ctx context.Context, p string) ([]remote.Item, error) {
	r.mu.Lock()
	r.listCalls[p]++
	gate, entered := r.gate, r.entered
	r.mu.Unlock()

	if gate != nil {
		entered <- p
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	attrs, ok := r.items[p]
	if !ok || !attrs.IsDir {
		return nil, remote.ErrNotFound
	}

	// Servers report the collection itself first.
	out := []remote.Item{{Path: p, Attributes: attrs}}
	var children []string
	for key := range r.items {
		if key != p && path.Dir(key) == p {
			children = append(children, key)
		}
	}
	sort.Strings(children)
	for _, key := range children {
		out = append(out, remote.Item{Path: key, Attributes: r.items[key]})
	}
	return out, nil
}

func (r *fakeRepo) Stat(_ context.Context, p string) (*remote.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statCalls++
	if r.statErr != nil {
		return nil, r.statErr
	}
	attrs, ok := r.items[p]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &remote.Item{Path: p, Attributes: attrs}, nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, repo remote.Repository, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(repo, paths.NewTranslator(testBase), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func entryNames(entries []trees.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
