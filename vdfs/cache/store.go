// Package cache mirrors the directory tree of a remote repository in memory.
//
// The Store holds one node per file or folder keyed by local path. The
// Manager populates it lazily from the repository, serves folder listings
// from it and refreshes stale listings in the background.
package cache

import (
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"
)

// Store is the path-indexed node map. A single mutex guards every operation.
type Store struct {
	mu         sync.Mutex
	index      *trees.PathIndex
	translator *paths.Translator
	changes    *Broadcaster
	metrics    *Metrics
}

// StoreOption customizes a Store
type StoreOption func(*Store)

// WithBroadcaster makes the store publish changes on b.
func WithBroadcaster(b *Broadcaster) StoreOption {
	return func(s *Store) {
		s.changes = b
	}
}

// WithStoreMetrics reports the node count on m.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates an empty store. translator recomputes repository paths
// when nodes are renamed.
func NewStore(translator *paths.Translator, opts ...StoreOption) *Store {
	s := &Store{
		index:      trees.NewPathIndex(),
		translator: translator,
		changes:    NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Translator returns the path translator used by the store.
func (s *Store) Translator() *paths.Translator {
	return s.translator
}

// Changes returns the broadcaster that carries cache-changed events.
func (s *Store) Changes() *Broadcaster {
	return s.changes
}

// WithLock runs fn while holding the store lock. Use it when several
// operations must appear atomic; tx must not escape fn.
func (s *Store) WithLock(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{store: s}
	defer tx.finish()
	return fn(tx)
}

// Seed inserts the root folder for the configured repository base.
func (s *Store) Seed() (trees.Node, error) {
	root := trees.NewRoot(s.translator.LocalToRepository(paths.Root))
	if err := s.Insert(root); err != nil {
		return trees.Node{}, err
	}
	return root.Snapshot(), nil
}

// Get returns a copy of the node at path.
func (s *Store) Get(path string) (trees.Node, bool) {
	var (
		node  trees.Node
		found bool
	)
	_ = s.WithLock(func(tx *Tx) error {
		if n, ok := tx.Get(path); ok {
			node, found = n.Snapshot(), true
		}
		return nil
	})
	return node, found
}

// Insert adds node to the store, which takes ownership of it.
func (s *Store) Insert(node *trees.Node) error {
	return s.WithLock(func(tx *Tx) error {
		return tx.Insert(node)
	})
}

// RenameKey moves a single entry from oldKey to newKey.
func (s *Store) RenameKey(oldKey, newKey string) error {
	return s.WithLock(func(tx *Tx) error {
		return tx.RenameKey(oldKey, newKey)
	})
}

// RenameSubtree rekeys every descendant of oldPrefix under newPrefix.
func (s *Store) RenameSubtree(oldPrefix, newPrefix string) (int, error) {
	var moved int
	err := s.WithLock(func(tx *Tx) error {
		var err error
		moved, err = tx.RenameSubtree(oldPrefix, newPrefix)
		return err
	})
	return moved, err
}

// Rename moves a node together with its subtree.
func (s *Store) Rename(oldKey, newKey string) error {
	return s.WithLock(func(tx *Tx) error {
		return tx.Rename(oldKey, newKey)
	})
}

// Delete removes the node at path and, for folders, its whole subtree.
func (s *Store) Delete(path string) error {
	return s.WithLock(func(tx *Tx) error {
		return tx.Delete(path)
	})
}

// Invalidate drops the node at path and marks its parent unparsed.
func (s *Store) Invalidate(path string) error {
	return s.WithLock(func(tx *Tx) error {
		return tx.Invalidate(path)
	})
}

// Clear drops every node.
func (s *Store) Clear() {
	_ = s.WithLock(func(tx *Tx) error {
		tx.Clear()
		return nil
	})
}

// Children returns copies of the direct children of dir in name order.
func (s *Store) Children(dir string) []trees.Node {
	var out []trees.Node
	_ = s.WithLock(func(tx *Tx) error {
		for _, child := range tx.Children(dir) {
			out = append(out, child.Snapshot())
		}
		return nil
	})
	return out
}

// Len returns the number of cached nodes.
func (s *Store) Len() int {
	var n int
	_ = s.WithLock(func(tx *Tx) error {
		n = tx.Len()
		return nil
	})
	return n
}

// Walk calls fn with a copy of every node in key order until fn returns true.
// fn runs under the store lock and must not call back into the store.
func (s *Store) Walk(fn func(node trees.Node) bool) {
	_ = s.WithLock(func(tx *Tx) error {
		s.index.Walk(func(_ string, node *trees.Node) bool {
			return fn(node.Snapshot())
		})
		return nil
	})
}

// Stats returns the path index counters.
func (s *Store) Stats() trees.PathIndexStats {
	var stats trees.PathIndexStats
	_ = s.WithLock(func(tx *Tx) error {
		stats = s.index.GetStats()
		return nil
	})
	return stats
}

// Validate checks the structural invariants of the store.
func (s *Store) Validate() []error {
	var errs []error
	_ = s.WithLock(func(tx *Tx) error {
		errs = s.index.Validate()
		return nil
	})
	return errs
}

// Tx exposes the store operations to a caller already holding the lock.
// Nodes returned by a Tx are live and may only be touched inside WithLock.
type Tx struct {
	store *Store
	dirty bool
	done  bool
}

func (tx *Tx) finish() {
	tx.done = true
	if tx.dirty && tx.store.metrics != nil {
		tx.store.metrics.setNodes(tx.store.index.Len())
	}
}

func (tx *Tx) mustBeOpen() {
	if tx.done {
		panic("cache: Tx used outside of WithLock")
	}
}

func (tx *Tx) publish(kind ChangeKind, path, oldPath string) {
	tx.dirty = true
	if tx.store.changes != nil {
		tx.store.changes.Publish(ChangeEvent{Kind: kind, Path: path, OldPath: oldPath})
	}
}

// Get returns the live node at path.
func (tx *Tx) Get(path string) (*trees.Node, bool) {
	tx.mustBeOpen()
	return tx.store.index.Lookup(path)
}

// Insert adds node. The key must be free and, except for the root, the parent
// folder must already be cached.
func (tx *Tx) Insert(node *trees.Node) error {
	tx.mustBeOpen()
	if parent, ok := paths.Parent(node.LocalPath); ok {
		if _, found := tx.store.index.Lookup(parent); !found {
			return fmt.Errorf("insert %s: %w", node.LocalPath, ErrOrphanNode)
		}
	}
	if !tx.store.index.Insert(node) {
		return fmt.Errorf("insert %s: %w", node.LocalPath, ErrDuplicateKey)
	}
	tx.publish(ChangeInsert, node.LocalPath, "")
	return nil
}

// RenameKey moves one entry, keeping its identity, attributes and parsed
// state. Its LocalPath, RepositoryPath and Name follow the new key.
// Descendants are left alone; pair it with RenameSubtree for folders.
func (tx *Tx) RenameKey(oldKey, newKey string) error {
	tx.mustBeOpen()
	if oldKey == newKey {
		return nil
	}
	if oldKey == paths.Root {
		return fmt.Errorf("rename %s: %w", oldKey, ErrNoParent)
	}
	node, ok := tx.store.index.Lookup(oldKey)
	if !ok {
		return fmt.Errorf("rename %s: %w", oldKey, ErrNotFound)
	}
	if _, taken := tx.store.index.Lookup(newKey); taken {
		return fmt.Errorf("rename %s to %s: %w", oldKey, newKey, ErrDuplicateKey)
	}

	tx.store.index.Remove(oldKey)
	tx.rekey(node, newKey)
	tx.store.index.Insert(node)
	tx.publish(ChangeRename, newKey, oldKey)
	return nil
}

// RenameSubtree rekeys every node strictly below oldPrefix so that it sits
// below newPrefix, recomputing repository paths. Either every node moves or,
// on a key collision, none does.
func (tx *Tx) RenameSubtree(oldPrefix, newPrefix string) (int, error) {
	tx.mustBeOpen()
	if oldPrefix == newPrefix {
		return 0, nil
	}
	if paths.IsDescendant(oldPrefix, newPrefix) {
		return 0, fmt.Errorf("move %s into its own subtree %s: %w", oldPrefix, newPrefix, ErrDuplicateKey)
	}

	moving := tx.store.index.Descendants(oldPrefix)
	for _, node := range moving {
		target := paths.Rebase(node.LocalPath, oldPrefix, newPrefix)
		if _, taken := tx.store.index.Lookup(target); taken {
			return 0, fmt.Errorf("rename %s to %s: %w", node.LocalPath, target, ErrDuplicateKey)
		}
	}

	for _, node := range moving {
		tx.store.index.Remove(node.LocalPath)
	}
	for _, node := range moving {
		tx.rekey(node, paths.Rebase(node.LocalPath, oldPrefix, newPrefix))
		tx.store.index.Insert(node)
	}

	if len(moving) > 0 {
		tx.publish(ChangeRename, newPrefix, oldPrefix)
	}
	return len(moving), nil
}

// Rename moves a node and its subtree in one step.
func (tx *Tx) Rename(oldKey, newKey string) error {
	tx.mustBeOpen()
	if oldKey == newKey {
		return nil
	}
	if paths.IsDescendant(oldKey, newKey) {
		return fmt.Errorf("move %s into its own subtree %s: %w", oldKey, newKey, ErrDuplicateKey)
	}
	if parent, ok := paths.Parent(newKey); ok {
		if _, found := tx.store.index.Lookup(parent); !found {
			return fmt.Errorf("rename %s to %s: %w", oldKey, newKey, ErrOrphanNode)
		}
	}
	// Check the subtree first so that a collision below leaves the node in place.
	for _, node := range tx.store.index.Descendants(oldKey) {
		target := paths.Rebase(node.LocalPath, oldKey, newKey)
		if _, taken := tx.store.index.Lookup(target); taken {
			return fmt.Errorf("rename %s to %s: %w", node.LocalPath, target, ErrDuplicateKey)
		}
	}
	if err := tx.RenameKey(oldKey, newKey); err != nil {
		return err
	}
	_, err := tx.RenameSubtree(oldKey, newKey)
	return err
}

func (tx *Tx) rekey(node *trees.Node, newKey string) {
	node.LocalPath = newKey
	node.RepositoryPath = tx.store.translator.LocalToRepository(newKey)
	node.Name = paths.Base(newKey)
}

// Delete removes the node at path and, when it is a folder, every node below
// it.
func (tx *Tx) Delete(path string) error {
	tx.mustBeOpen()
	node, ok := tx.store.index.Remove(path)
	if !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	if node.IsDirectory() {
		tx.store.index.RemoveDescendants(path)
	}
	tx.publish(ChangeDelete, path, "")
	return nil
}

// Invalidate removes the node at path (with its subtree) and marks the parent
// folder unparsed so the next listing goes back to the repository. The root
// cannot be invalidated: ErrNoParent is returned and nothing changes.
func (tx *Tx) Invalidate(path string) error {
	tx.mustBeOpen()
	parentPath, ok := paths.Parent(path)
	if !ok {
		return fmt.Errorf("invalidate %s: %w", path, ErrNoParent)
	}
	if _, found := tx.store.index.Remove(path); !found {
		return fmt.Errorf("invalidate %s: %w", path, ErrNotFound)
	}
	tx.store.index.RemoveDescendants(path)
	if parent, found := tx.store.index.Lookup(parentPath); found {
		parent.IsParsed = false
	}
	tx.publish(ChangeInvalidate, path, "")
	return nil
}

// Clear drops every node, the root included.
func (tx *Tx) Clear() {
	tx.mustBeOpen()
	tx.store.index.Clear()
	tx.publish(ChangeClear, paths.Root, "")
}

// Children returns the live direct children of dir in name order.
func (tx *Tx) Children(dir string) []*trees.Node {
	tx.mustBeOpen()
	return tx.store.index.Children(dir)
}

// ReplaceChildren drops everything below dir and inserts children in its
// place. dir must be cached. Only direct children missing from the new set
// are published as deleted.
func (tx *Tx) ReplaceChildren(dir string, children []*trees.Node) error {
	tx.mustBeOpen()
	if _, ok := tx.store.index.Lookup(dir); !ok {
		return fmt.Errorf("populate %s: %w", dir, ErrUnknownFolder)
	}
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		if !paths.IsDirectChild(dir, child.LocalPath) {
			return fmt.Errorf("populate %s with %s: %w", dir, child.LocalPath, ErrOrphanNode)
		}
		if _, dup := seen[child.LocalPath]; dup {
			return fmt.Errorf("populate %s: %w", child.LocalPath, ErrDuplicateKey)
		}
		seen[child.LocalPath] = struct{}{}
	}
	for _, gone := range tx.store.index.RemoveDescendants(dir) {
		if _, kept := seen[gone.LocalPath]; !kept && paths.IsDirectChild(dir, gone.LocalPath) {
			tx.publish(ChangeDelete, gone.LocalPath, "")
		}
	}
	for _, child := range children {
		if err := tx.Insert(child); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of cached nodes.
func (tx *Tx) Len() int {
	tx.mustBeOpen()
	return tx.store.index.Len()
}
