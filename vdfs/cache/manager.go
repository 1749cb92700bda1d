package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/remote"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Default tuning used when no option overrides it.
const (
	DefaultStaleAfter  = 5 * time.Second
	DefaultWarmWorkers = 8
)

// Option configures a Manager
type Option func(*Manager)

// WithStaleAfter sets how old a listing may get before it is refreshed.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithWarmWorkers bounds the folders listed concurrently by Warm.
func WithWarmWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.warmWorkers = n
		}
	}
}

// WithExcludes hides remote names matching gitignore-style patterns.
func WithExcludes(patterns []string) Option {
	return func(m *Manager) {
		m.exclude = CompileExcludes(patterns)
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics reports cache activity on metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager serves folder listings from the store, populating it from the
// repository on first access and refreshing stale folders in the background.
type Manager struct {
	store     *Store
	resolver  *Resolver
	scheduler *RefreshScheduler
	group     singleflight.Group

	staleAfter  time.Duration
	warmWorkers int
	exclude     IgnoreChecker
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *Metrics
}

// NewManager creates a manager over repo with the root folder seeded.
func NewManager(repo remote.Repository, translator *paths.Translator, opts ...Option) (*Manager, error) {
	m := &Manager{
		staleAfter:  DefaultStaleAfter,
		warmWorkers: DefaultWarmWorkers,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "cache").Logger()

	m.store = NewStore(translator, WithStoreMetrics(m.metrics))
	m.resolver = NewResolver(repo, translator, m.exclude, m.now, m.logger)
	m.scheduler = NewRefreshScheduler(m.store, m.resolver, m.metrics, m.logger)

	root, err := m.store.Seed()
	if err != nil {
		return nil, fmt.Errorf("seed root: %w", err)
	}
	m.logger.Info().
		Str("repository", root.RepositoryPath).
		Dur("stale_after", m.staleAfter).
		Msg("cache ready")
	return m, nil
}

// Store returns the underlying store, for the filesystem driver's mutations.
func (m *Manager) Store() *Store {
	return m.store
}

// Changes returns the cache-changed broadcaster.
func (m *Manager) Changes() *Broadcaster {
	return m.store.Changes()
}

// Scheduler returns the background refresh scheduler.
func (m *Manager) Scheduler() *RefreshScheduler {
	return m.scheduler
}

// GetFolderContent lists folder, sorted by name, keeping only the entries
// after marker. An unparsed folder is listed on the repository and committed
// to the cache; a parsed one is served from the cache and refreshed in the
// background once stale.
func (m *Manager) GetFolderContent(ctx context.Context, folder, marker string) ([]trees.Entry, error) {
	folder = paths.Clean(folder)

	var (
		dir     trees.Node
		entries []trees.Entry
		stale   bool
	)
	err := m.store.WithLock(func(tx *Tx) error {
		node, ok := tx.Get(folder)
		if !ok {
			return fmt.Errorf("list %s: %w", folder, ErrUnknownFolder)
		}
		if !node.IsDirectory() {
			return fmt.Errorf("list %s: %w", folder, ErrNotDirectory)
		}
		dir = node.Snapshot()
		if node.IsParsed {
			entries = m.cachedEntries(tx, node, marker)
			stale = node.IsStale(m.now(), m.staleAfter)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !dir.IsParsed {
		return m.resolveCold(ctx, dir, marker)
	}

	m.metrics.listing("cache")
	if stale && m.scheduler.Schedule(dir) {
		m.logger.Debug().Str("folder", folder).Msg("stale listing, refresh scheduled")
	}
	return page(entries, marker), nil
}

// resolveCold lists dir on the repository without holding the store lock.
// Concurrent callers for the same folder node share one repository call and
// one commit; a caller whose ctx ends stops waiting without cancelling the
// call for the others.
func (m *Manager) resolveCold(ctx context.Context, dir trees.Node, marker string) ([]trees.Entry, error) {
	key := dir.LocalPath + "|" + dir.ID.String()
	ch := m.group.DoChan(key, func() (any, error) {
		return m.commitCold(context.WithoutCancel(ctx), dir)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list %s: %w", dir.LocalPath, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	m.logger.Debug().
		Str("folder", dir.LocalPath).
		Bool("shared", res.Shared).
		Msg("folder listed from repository")
	// The slice is shared by every waiter.
	entries := append([]trees.Entry(nil), res.Val.([]trees.Entry)...)
	return page(entries, marker), nil
}

// commitCold resolves dir and stores its children. The commit only happens
// if the folder at dir's path is still the same directory node; otherwise
// the listing is discarded and ErrUnknownFolder returned.
func (m *Manager) commitCold(ctx context.Context, dir trees.Node) ([]trees.Entry, error) {
	// A flight that finished just before this one may already have committed.
	var cached []trees.Entry
	_ = m.store.WithLock(func(tx *Tx) error {
		if node, ok := tx.Get(dir.LocalPath); ok && node.ID == dir.ID && node.IsParsed {
			cached = m.cachedEntries(tx, node, "")
		}
		return nil
	})
	if cached != nil {
		m.metrics.listing("cache")
		return cached, nil
	}

	start := time.Now()
	// Resolved without the marker so that every waiter can share the result.
	listing, err := m.resolver.Resolve(ctx, dir, "")
	m.metrics.resolved(start, err)
	if err != nil {
		return nil, err
	}

	var entries []trees.Entry
	err = m.store.WithLock(func(tx *Tx) error {
		node, ok := tx.Get(dir.LocalPath)
		if !ok || node.ID != listing.FolderID || !node.IsDirectory() {
			return fmt.Errorf("list %s: %w", dir.LocalPath, ErrUnknownFolder)
		}
		if node.IsParsed {
			// Committed by a refresh or an earlier flight in the meantime.
			entries = m.cachedEntries(tx, node, "")
			return nil
		}
		if err := tx.ReplaceChildren(dir.LocalPath, listing.Children()); err != nil {
			return err
		}
		node.IsParsed = true
		node.LastRefresh = listing.FetchedAt

		entries = make([]trees.Entry, 0, len(listing.Entries))
		for _, entry := range listing.Entries {
			if entry.Name == trees.DotName {
				entry.Node = node.Snapshot()
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.listing("remote")
	return entries, nil
}

// cachedEntries builds a listing of a parsed folder from the store.
func (m *Manager) cachedEntries(tx *Tx, dir *trees.Node, marker string) []trees.Entry {
	children := tx.Children(dir.LocalPath)
	entries := make([]trees.Entry, 0, len(children)+2)

	if parentPath, ok := paths.Parent(dir.LocalPath); ok && wantsSynthetic(marker) {
		entries = append(entries, trees.Entry{Name: trees.DotName, Node: dir.Snapshot()})
		if parent, found := tx.Get(parentPath); found {
			entries = append(entries, trees.Entry{Name: trees.DotDotName, Node: parent.Snapshot()})
		}
	}

	for _, child := range children {
		entries = append(entries, trees.Entry{Name: child.Name, Node: child.Snapshot()})
	}
	return entries
}

func page(entries []trees.Entry, marker string) []trees.Entry {
	trees.SortEntries(entries)
	return trees.AfterMarker(entries, marker)
}

// Stat returns the node at path, listing its parent folders on demand when
// the path is not cached yet.
func (m *Manager) Stat(ctx context.Context, path string) (trees.Node, error) {
	path = paths.Clean(path)
	if node, ok := m.store.Get(path); ok {
		return node, nil
	}

	parentPath, ok := paths.Parent(path)
	if !ok {
		return trees.Node{}, fmt.Errorf("stat %s: %w", path, ErrUnknownFolder)
	}
	parent, err := m.Stat(ctx, parentPath)
	if err != nil {
		return trees.Node{}, err
	}
	if !parent.IsDirectory() {
		return trees.Node{}, fmt.Errorf("stat %s: %w", path, ErrNotDirectory)
	}
	if _, err := m.GetFolderContent(ctx, parentPath, ""); err != nil {
		return trees.Node{}, err
	}

	node, ok := m.store.Get(path)
	if !ok {
		return trees.Node{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
	return node, nil
}

// Close stops background refreshes, waits for running ones and drops the
// cache.
func (m *Manager) Close() error {
	m.scheduler.Stop()
	stats := m.store.Stats()
	m.store.Clear()
	m.logger.Info().
		Int64("nodes", stats.TotalNodes).
		Int64("lookups", stats.PathLookups).
		Int64("prefix_lookups", stats.PrefixLookups).
		Int64("insertions", stats.Insertions).
		Int64("deletions", stats.Deletions).
		Msg("cache closed")
	return nil
}
