package trees

import (
	"fmt"
	"slices"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"

	"github.com/armon/go-radix"
)

// PathIndexStats tracks counters for the path index
type PathIndexStats struct {
	TotalNodes    int64
	PathLookups   int64
	PrefixLookups int64
	Insertions    int64
	Deletions     int64
}

// PathIndex stores nodes in a compressed trie (patricia tree) keyed by local
// path. Keys come back in byte order from every walk, and a subtree walk only
// visits the subtree.
//
// PathIndex does no locking of its own; the owning store serializes access.
type PathIndex struct {
	tree  *radix.Tree
	stats PathIndexStats
}

// NewPathIndex creates an empty path index
func NewPathIndex() *PathIndex {
	return &PathIndex{tree: radix.New()}
}

// Insert stores node under its LocalPath. It reports false, leaving the index
// untouched, when the key is already taken.
func (idx *PathIndex) Insert(node *Node) bool {
	if _, exists := idx.tree.Get(node.LocalPath); exists {
		return false
	}
	idx.tree.Insert(node.LocalPath, node)
	idx.stats.TotalNodes++
	idx.stats.Insertions++
	return true
}

// Lookup finds a node by its exact path
func (idx *PathIndex) Lookup(path string) (*Node, bool) {
	idx.stats.PathLookups++
	value, found := idx.tree.Get(path)
	if !found {
		return nil, false
	}
	return value.(*Node), true
}

// Remove deletes a single key
func (idx *PathIndex) Remove(path string) (*Node, bool) {
	value, deleted := idx.tree.Delete(path)
	if !deleted {
		return nil, false
	}
	idx.stats.TotalNodes--
	idx.stats.Deletions++
	return value.(*Node), true
}

// Descendants returns every node strictly below dir, in key order.
func (idx *PathIndex) Descendants(dir string) []*Node {
	idx.stats.PrefixLookups++

	var results []*Node
	idx.tree.WalkPrefix(paths.SubtreePrefix(dir), func(key string, value interface{}) bool {
		if key != dir {
			results = append(results, value.(*Node))
		}
		return false // Continue walking
	})
	return results
}

// RemoveDescendants deletes every node strictly below dir and returns them.
func (idx *PathIndex) RemoveDescendants(dir string) []*Node {
	removed := idx.Descendants(dir)
	for _, node := range removed {
		idx.Remove(node.LocalPath)
	}
	return removed
}

// Children returns the direct children of dir sorted by CompareNames.
func (idx *PathIndex) Children(dir string) []*Node {
	idx.stats.PrefixLookups++

	var children []*Node
	idx.tree.WalkPrefix(paths.SubtreePrefix(dir), func(key string, value interface{}) bool {
		if paths.IsDirectChild(dir, key) {
			children = append(children, value.(*Node))
		}
		return false
	})

	sortNodes(children)
	return children
}

// Len returns the number of indexed nodes
func (idx *PathIndex) Len() int {
	return idx.tree.Len()
}

// GetStats returns a copy of the index counters
func (idx *PathIndex) GetStats() PathIndexStats {
	return idx.stats
}

// Clear removes all entries from the path index
func (idx *PathIndex) Clear() {
	idx.tree = radix.New()
	idx.stats.TotalNodes = 0
}

// Walk calls fn for every node in key order until fn returns true.
func (idx *PathIndex) Walk(fn func(path string, node *Node) bool) {
	idx.tree.Walk(func(key string, value interface{}) bool {
		return fn(key, value.(*Node))
	})
}

// Validate checks that every key matches its node's LocalPath and that every
// non-root node has its parent indexed.
func (idx *PathIndex) Validate() []error {
	var errs []error

	count := 0
	idx.tree.Walk(func(key string, value interface{}) bool {
		count++
		node, ok := value.(*Node)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid_node_type: %s", key))
			return false
		}
		if node.LocalPath != key {
			errs = append(errs, fmt.Errorf("key_mismatch: key %s holds node %s", key, node.LocalPath))
		}
		if parent, hasParent := paths.Parent(key); hasParent {
			if _, found := idx.tree.Get(parent); !found {
				errs = append(errs, fmt.Errorf("orphan_node: %s has no parent %s", key, parent))
			}
		}
		return false
	})

	if int64(count) != idx.stats.TotalNodes {
		errs = append(errs, fmt.Errorf("stats_mismatch: %d nodes indexed, %d counted", count, idx.stats.TotalNodes))
	}
	return errs
}

func sortNodes(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		return CompareNames(a.Name, b.Name)
	})
}
