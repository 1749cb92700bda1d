package cache

import (
	"testing"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"InsertRejectsDuplicatesAndOrphans", testStoreInsert},
		{"RenameKey", testStoreRenameKey},
		{"RenameDirectoryMovesSubtree", testStoreRenameDirectory},
		{"RenameCollisionLeavesStoreUntouched", testStoreRenameCollision},
		{"RenameIntoOwnSubtree", testStoreRenameIntoOwnSubtree},
		{"DeleteDirectory", testStoreDeleteDirectory},
		{"DeleteFile", testStoreDeleteFile},
		{"Invalidate", testStoreInvalidate},
		{"InvalidateRoot", testStoreInvalidateRoot},
		{"ClearThenReseed", testStoreClear},
		{"ReplaceChildren", testStoreReplaceChildren},
		{"ReplaceChildrenPublishesRemovedChildren", testStoreReplaceChildrenEvents},
		{"Stats", testStoreStats},
		{"PublishesChanges", testStorePublishesChanges},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func newTestStore(t *testing.T, dirs []string, files []string) *Store {
	t.Helper()
	tr := paths.NewTranslator(testBase)
	s := NewStore(tr)
	_, err := s.Seed()
	require.NoError(t, err)
	for _, d := range dirs {
		require.NoError(t, s.Insert(trees.NewNode(d, tr.LocalToRepository(d), trees.Attributes{IsDir: true})))
	}
	for _, f := range files {
		require.NoError(t, s.Insert(trees.NewNode(f, tr.LocalToRepository(f), trees.Attributes{Size: 1})))
	}
	return s
}

func testStoreInsert(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, nil)

	err := s.Insert(trees.NewNode(`\A`, "/dav/A", trees.Attributes{IsDir: true}))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = s.Insert(trees.NewNode(`\missing\x`, "/dav/missing/x", trees.Attributes{}))
	assert.ErrorIs(t, err, ErrOrphanNode)

	assert.Equal(t, 2, s.Len())
	assert.Empty(t, s.Validate())
}

func testStoreRenameKey(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, []string{`\A\f.txt`, `\g.txt`})
	before, ok := s.Get(`\g.txt`)
	require.True(t, ok)

	require.NoError(t, s.RenameKey(`\g.txt`, `\h.txt`))

	after, ok := s.Get(`\h.txt`)
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID, "identity survives a rename")
	assert.Equal(t, "h.txt", after.Name)
	assert.Equal(t, "/dav/h.txt", after.RepositoryPath)
	_, ok = s.Get(`\g.txt`)
	assert.False(t, ok)

	assert.ErrorIs(t, s.RenameKey(`\nope`, `\x`), ErrNotFound)
	assert.ErrorIs(t, s.RenameKey(`\h.txt`, `\A`), ErrDuplicateKey)
	assert.ErrorIs(t, s.RenameKey(paths.Root, `\x`), ErrNoParent)
}

func testStoreRenameDirectory(t *testing.T) {
	s := newTestStore(t,
		[]string{`\A`, `\A\sub`, `\AB`},
		[]string{`\A\f.txt`, `\A\sub\deep.txt`, `\AB\keep.txt`},
	)

	require.NoError(t, s.Rename(`\A`, `\B`))

	for _, key := range []string{`\B`, `\B\sub`, `\B\f.txt`, `\B\sub\deep.txt`} {
		node, ok := s.Get(key)
		require.True(t, ok, "expected %s after rename", key)
		assert.Equal(t, key, node.LocalPath)
		assert.Equal(t, s.Translator().LocalToRepository(key), node.RepositoryPath)
	}
	s.Walk(func(node trees.Node) bool {
		assert.False(t, paths.IsDescendant(`\A`, node.LocalPath) || node.LocalPath == `\A`,
			"stale key %s left behind", node.LocalPath)
		return false
	})

	_, ok := s.Get(`\AB\keep.txt`)
	assert.True(t, ok, "a sibling sharing the string prefix is not moved")
	assert.Empty(t, s.Validate())
}

func testStoreRenameCollision(t *testing.T) {
	s := newTestStore(t, []string{`\A`, `\B`}, []string{`\A\f.txt`})

	assert.ErrorIs(t, s.Rename(`\A`, `\B`), ErrDuplicateKey)

	_, ok := s.Get(`\A\f.txt`)
	assert.True(t, ok)
	assert.Equal(t, 4, s.Len())

	assert.ErrorIs(t, s.Rename(`\A`, `\missing\A`), ErrOrphanNode)
}

func testStoreRenameIntoOwnSubtree(t *testing.T) {
	s := newTestStore(t, []string{`\A`, `\A\sub`}, nil)

	assert.Error(t, s.Rename(`\A`, `\A\sub\A`))
	_, err := s.RenameSubtree(`\A`, `\A\sub`)
	assert.Error(t, err)
	assert.Empty(t, s.Validate())
}

func testStoreDeleteDirectory(t *testing.T) {
	s := newTestStore(t,
		[]string{`\A`, `\A\sub`, `\AB`},
		[]string{`\A\f.txt`, `\A\sub\deep.txt`},
	)

	require.NoError(t, s.Delete(`\A`))

	for _, key := range []string{`\A`, `\A\sub`, `\A\f.txt`, `\A\sub\deep.txt`} {
		_, ok := s.Get(key)
		assert.False(t, ok, "%s should be gone", key)
	}
	_, ok := s.Get(`\AB`)
	assert.True(t, ok)
	assert.ErrorIs(t, s.Delete(`\A`), ErrNotFound)
}

func testStoreDeleteFile(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, []string{`\A\f.txt`, `\A\g.txt`})

	require.NoError(t, s.Delete(`\A\f.txt`))

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(`\A\g.txt`)
	assert.True(t, ok)
}

func testStoreInvalidate(t *testing.T) {
	s := newTestStore(t, []string{`\A`, `\A\sub`}, []string{`\A\sub\x`})
	require.NoError(t, s.WithLock(func(tx *Tx) error {
		node, _ := tx.Get(`\A`)
		node.IsParsed = true
		return nil
	}))

	require.NoError(t, s.Invalidate(`\A\sub`))

	parent, _ := s.Get(`\A`)
	assert.False(t, parent.IsParsed)
	_, ok := s.Get(`\A\sub\x`)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Invalidate(`\A\sub`), ErrNotFound)
}

func testStoreInvalidateRoot(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, nil)

	assert.ErrorIs(t, s.Invalidate(paths.Root), ErrNoParent)
	assert.Equal(t, 2, s.Len(), "invalidating the root changes nothing")
}

func testStoreClear(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, nil)

	s.Clear()
	assert.Equal(t, 0, s.Len())

	_, err := s.Seed()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func testStoreReplaceChildren(t *testing.T) {
	s := newTestStore(t, []string{`\A`, `\A\old`}, []string{`\A\old\x`})
	tr := s.Translator()

	fresh := []*trees.Node{
		trees.NewNode(`\A\new`, tr.LocalToRepository(`\A\new`), trees.Attributes{IsDir: true}),
		trees.NewNode(`\A\f.txt`, tr.LocalToRepository(`\A\f.txt`), trees.Attributes{}),
	}
	require.NoError(t, s.WithLock(func(tx *Tx) error {
		return tx.ReplaceChildren(`\A`, fresh)
	}))

	var names []string
	for _, child := range s.Children(`\A`) {
		names = append(names, child.Name)
	}
	assert.Equal(t, []string{"f.txt", "new"}, names)
	_, ok := s.Get(`\A\old\x`)
	assert.False(t, ok)

	err := s.WithLock(func(tx *Tx) error {
		return tx.ReplaceChildren(`\A`, []*trees.Node{trees.NewNode(`\B\x`, "/dav/B/x", trees.Attributes{})})
	})
	assert.ErrorIs(t, err, ErrOrphanNode)
	assert.Len(t, s.Children(`\A`), 2, "a rejected batch leaves the folder alone")

	err = s.WithLock(func(tx *Tx) error {
		return tx.ReplaceChildren(`\nope`, nil)
	})
	assert.ErrorIs(t, err, ErrUnknownFolder)
}

func testStorePublishesChanges(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, nil)
	events, cancel := s.Changes().Subscribe()
	defer cancel()

	require.NoError(t, s.Rename(`\A`, `\B`))
	require.NoError(t, s.Delete(`\B`))

	ev := <-events
	assert.Equal(t, ChangeRename, ev.Kind)
	assert.Equal(t, `\B`, ev.Path)
	assert.Equal(t, `\A`, ev.OldPath)
	assert.False(t, ev.At.IsZero())

	ev = <-events
	assert.Equal(t, ChangeDelete, ev.Kind)
	assert.Equal(t, `\B`, ev.Path)
}

func testStoreReplaceChildrenEvents(t *testing.T) {
	s := newTestStore(t, []string{`\A`, `\A\keep`, `\A\old`}, []string{`\A\old\x`})
	tr := s.Translator()
	events, cancel := s.Changes().Subscribe()
	defer cancel()

	fresh := []*trees.Node{
		trees.NewNode(`\A\keep`, tr.LocalToRepository(`\A\keep`), trees.Attributes{IsDir: true}),
		trees.NewNode(`\A\f.txt`, tr.LocalToRepository(`\A\f.txt`), trees.Attributes{}),
	}
	require.NoError(t, s.WithLock(func(tx *Tx) error {
		return tx.ReplaceChildren(`\A`, fresh)
	}))

	var got []string
	for len(events) > 0 {
		ev := <-events
		got = append(got, ev.Kind.String()+" "+ev.Path)
	}
	assert.Equal(t, []string{
		`delete \A\old`,
		`insert \A\keep`,
		`insert \A\f.txt`,
	}, got, "the folder itself and surviving children are not reported deleted")
}

func testStoreStats(t *testing.T) {
	s := newTestStore(t, []string{`\A`}, []string{`\A\x`})
	_, _ = s.Get(`\A`)
	require.NoError(t, s.Delete(`\A`))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TotalNodes)
	assert.Equal(t, int64(3), stats.Insertions)
	assert.Equal(t, int64(2), stats.Deletions)
}
