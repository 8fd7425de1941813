package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// memStore keeps directory texts keyed by dir and node.
type memStore struct {
	texts map[string][]byte
	loads int
}

func newMemStore() *memStore { return &memStore{texts: make(map[string][]byte)} }

func (s *memStore) LoadSubtree(dir string, n node.Node) (*Tree, error) {
	s.loads++
	text, ok := s.texts[dir+n.String()]
	if !ok {
		return nil, errs.NewLookup(dir, n.String())
	}
	t, err := ParseTree(node.SHA1, dir, text, s)
	if err != nil {
		return nil, err
	}
	t.SetNode(n)
	return t, nil
}

func (s *memStore) write(t *Tree, p1, p2 node.Node, m match.Matcher) error {
	if err := t.WriteSubtrees(nil, nil, s.write, m); err != nil {
		return err
	}
	text := t.DirText()
	n := node.SHA1.Hash(text, p1, p2)
	s.texts[t.Dir()+n.String()] = text
	t.SetNode(n)
	return nil
}

func (s *memStore) load(t *testing.T, n node.Node) *Tree {
	t.Helper()
	tree, err := ParseTree(node.SHA1, "", s.texts[n.String()], s)
	require.NoError(t, err)
	tree.SetNode(n)
	return tree
}

func buildTree(t *testing.T, paths ...string) *Tree {
	t.Helper()
	tree := NewTree(node.SHA1, "", nil)
	for _, p := range paths {
		require.NoError(t, tree.Set(p, Entry{Node: fileNode(p)}))
	}
	return tree
}

var treePaths = []string{"a.b", "a/b/c.txt", "a/d.txt", "a-z", "top.txt", "x/y/z/deep.go"}

func TestTreeTextMatchesDict(t *testing.T) {
	tree := buildTree(t, treePaths...)
	dict := buildDict(t, treePaths...)

	tt, err := tree.Text()
	require.NoError(t, err)
	dt, err := dict.Text()
	require.NoError(t, err)
	assert.Equal(t, string(dt), string(tt))

	n, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, len(treePaths), n)

	fromFlat, err := ParseTree(node.SHA1, "", dt, nil)
	require.NoError(t, err)
	ft, err := fromFlat.Text()
	require.NoError(t, err)
	assert.Equal(t, string(dt), string(ft))
	assert.True(t, fromFlat.Dirty())

	d, err := tree.Diff(dict, nil, false)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestTreeDirText(t *testing.T) {
	tree := buildTree(t, treePaths...)
	store := newMemStore()
	require.NoError(t, store.write(tree, node.SHA1.NullID, node.SHA1.NullID, match.Always()))

	lines := strings.Split(strings.TrimSuffix(string(tree.DirText()), "\n"), "\n")
	require.Len(t, lines, 5)
	names := make([]string, len(lines))
	for i, l := range lines {
		names[i] = l[:strings.IndexByte(l, 0)]
	}
	assert.Equal(t, []string{"a", "a-z", "a.b", "top.txt", "x"}, names)
	assert.True(t, strings.HasSuffix(lines[0], "t"))
	assert.False(t, tree.Dirty())
}

func TestTreeLazyLoading(t *testing.T) {
	store := newMemStore()
	tree := buildTree(t, treePaths...)
	require.NoError(t, store.write(tree, node.SHA1.NullID, node.SHA1.NullID, match.Always()))

	loaded := store.load(t, tree.Node())
	assert.Equal(t, 0, store.loads)

	e, ok, err := loaded.Find("a/b/c.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fileNode("a/b/c.txt"), e.Node)
	assert.Equal(t, 2, store.loads)

	// unrelated edits leave lazy directories unread
	store.loads = 0
	other := store.load(t, tree.Node())
	require.NoError(t, other.Set("new.txt", Entry{Node: fileNode("new.txt")}))
	d, err := store.load(t, tree.Node()).Diff(other, nil, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]DiffEntry{"new.txt": {New: Entry{Node: fileNode("new.txt")}}}, d)
	assert.Equal(t, 0, store.loads)

	has, err := loaded.HasDir("x/y")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestTreeCopyOnWrite(t *testing.T) {
	orig := buildTree(t, treePaths...)
	cp := orig.CopyTree()

	require.NoError(t, cp.Set("a/b/c.txt", Entry{Node: fileNode("changed"), Flags: FlagExec}))
	require.NoError(t, cp.Delete("x/y/z/deep.go"))
	require.NoError(t, cp.Set("a/new", Entry{Node: fileNode("a/new")}))

	e, _, err := orig.Find("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, fileNode("a/b/c.txt"), e.Node)
	assert.Equal(t, FlagNone, e.Flags)
	has, err := orig.Has("x/y/z/deep.go")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = orig.Has("a/new")
	require.NoError(t, err)
	assert.False(t, has)

	// the emptied directory chain is pruned from the copy only
	has, err = cp.HasDir("x")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = orig.HasDir("x/y/z")
	require.NoError(t, err)
	assert.True(t, has)

	d, err := orig.Diff(cp, nil, false)
	require.NoError(t, err)
	assert.Len(t, d, 3)
	assert.Equal(t, FlagExec, d["a/b/c.txt"].New.Flags)
}

func TestTreeCopyProtectsLoadedSubtrees(t *testing.T) {
	store := newMemStore()
	tree := buildTree(t, treePaths...)
	require.NoError(t, store.write(tree, node.SHA1.NullID, node.SHA1.NullID, match.Always()))

	cached, err := store.LoadSubtree("a/", mustDirNode(t, tree, "a/"))
	require.NoError(t, err)
	loader := &fixedLoader{tree: cached}
	root, err := ParseTree(node.SHA1, "", store.texts[tree.Node().String()], loader)
	require.NoError(t, err)

	require.NoError(t, root.Set("a/d.txt", Entry{Node: fileNode("edited")}))
	e, _, err := cached.Find("d.txt")
	require.NoError(t, err)
	assert.Equal(t, fileNode("a/d.txt"), e.Node)
}

type fixedLoader struct{ tree *Tree }

func (l *fixedLoader) LoadSubtree(string, node.Node) (*Tree, error) { return l.tree, nil }

func mustDirNode(t *testing.T, tree *Tree, dir string) node.Node {
	t.Helper()
	slot, ok := tree.dirs[dir]
	require.True(t, ok)
	return slot.currentNode()
}

func TestTreeWalkAndMatches(t *testing.T) {
	tree := buildTree(t, treePaths...)
	var got []string
	require.NoError(t, tree.Walk(match.Prefix("a"), func(p string) error {
		got = append(got, p)
		return nil
	}))
	assert.Equal(t, []string{"a/b/c.txt", "a/d.txt"}, got)

	sub, err := tree.Matches(match.Exact("x/y/z/deep.go", "top.txt"))
	require.NoError(t, err)
	text, err := sub.Text()
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(text), "\n"))

	other := tree.CopyTree()
	require.NoError(t, other.Delete("a/d.txt"))
	require.NoError(t, other.Delete("top.txt"))
	d, err := tree.Diff(other, match.Prefix("a"), false)
	require.NoError(t, err)
	assert.Len(t, d, 1)
	assert.Contains(t, d, "a/d.txt")

	gone, err := tree.FilesNotIn(other, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/d.txt", "top.txt"}, gone)
}

func TestTreeFastDeltaUnavailable(t *testing.T) {
	_, _, err := buildTree(t).FastDelta(nil, nil)
	assert.ErrorIs(t, err, errs.ErrFastdeltaUnavailable)
	assert.True(t, errs.IsCacheMiss(err))
	assert.IsType(t, &Tree{}, New(node.SHA1, true))
	assert.IsType(t, &Dict{}, New(node.SHA1, false))
}
