package manifest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/mpatch"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

func fileNode(s string) node.Node {
	return node.SHA1.Hash([]byte(s), node.Node{}, node.Node{})
}

func buildDict(t *testing.T, paths ...string) *Dict {
	t.Helper()
	d := NewDict(node.SHA1)
	for _, p := range paths {
		require.NoError(t, d.Set(p, Entry{Node: fileNode(p)}))
	}
	return d
}

func TestDictTextRoundTrip(t *testing.T) {
	d := buildDict(t, "b.txt", "a/x.go", "a.txt")
	require.NoError(t, d.SetFlag("b.txt", FlagExec))

	text, err := d.Text()
	require.NoError(t, err)
	want := "a.txt\x00" + fileNode("a.txt").String() + "\n" +
		"a/x.go\x00" + fileNode("a/x.go").String() + "\n" +
		"b.txt\x00" + fileNode("b.txt").String() + "x\n"
	assert.Equal(t, want, string(text))

	parsed, err := ParseDict(node.SHA1, text)
	require.NoError(t, err)
	flags, err := parsed.Flags("b.txt")
	require.NoError(t, err)
	assert.Equal(t, FlagExec, flags)
	n, err := parsed.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestParseRejectsCorruptText(t *testing.T) {
	hex := fileNode("x").String()
	cases := map[string]string{
		"unsorted":   "b\x00" + hex + "\na\x00" + hex + "\n",
		"no newline": "a\x00" + hex,
		"short node": "a\x00" + hex[:10] + "\n",
		"long node":  "a\x00" + hex + hex[:24] + "\n",
		"bad flag":   "a\x00" + hex + "q\n",
		"no nul":     "a" + hex + "\n",
	}
	for name, text := range cases {
		_, err := ParseDict(node.SHA1, []byte(text))
		assert.True(t, errs.IsCorrupt(err), "%s: %v", name, err)
	}

	wide := "a\x00" + node.BLAKE3.Hash([]byte("x"), node.Node{}, node.Node{}).String() + "\n"
	_, err := ParseDict(node.BLAKE3, []byte(wide))
	assert.NoError(t, err)
}

func TestSetRejectsBadPaths(t *testing.T) {
	d := NewDict(node.SHA1)
	assert.Error(t, d.Set("a\nb", Entry{Node: fileNode("a")}))
	assert.Error(t, d.Set("", Entry{Node: fileNode("a")}))
	assert.Error(t, d.Set("a", Entry{Node: fileNode("a"), Flags: "t"}))
	assert.ErrorIs(t, d.Delete("missing"), errs.ErrNotFound)
	assert.ErrorIs(t, d.SetFlag("missing", FlagExec), errs.ErrNotFound)
}

func TestDictDiff(t *testing.T) {
	a := buildDict(t, "same", "changed", "removed")
	b := a.Copy().(*Dict)
	require.NoError(t, b.Set("changed", Entry{Node: fileNode("new")}))
	require.NoError(t, b.Delete("removed"))
	require.NoError(t, b.Set("added", Entry{Node: fileNode("added"), Flags: FlagSymlink}))

	d, err := a.Diff(b, nil, false)
	require.NoError(t, err)
	assert.Len(t, d, 3)
	assert.Equal(t, DiffEntry{Old: Entry{Node: fileNode("removed")}}, d["removed"])
	assert.Equal(t, DiffEntry{New: Entry{Node: fileNode("added"), Flags: FlagSymlink}}, d["added"])
	assert.False(t, d["added"].Old.Present())

	back, err := b.Diff(a, nil, false)
	require.NoError(t, err)
	for path, de := range d {
		assert.Equal(t, DiffEntry{Old: de.New, New: de.Old}, back[path])
	}

	withClean, err := a.Diff(b, nil, true)
	require.NoError(t, err)
	assert.Equal(t, DiffEntry{Old: Entry{Node: fileNode("same")}, New: Entry{Node: fileNode("same")}}, withClean["same"])

	// a is untouched by edits to its copy
	has, err := a.Has("removed")
	require.NoError(t, err)
	assert.True(t, has)

	gone, err := a.FilesNotIn(b, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"removed"}, gone)
}

func TestDictWalk(t *testing.T) {
	d := buildDict(t, "src/a.go", "src/sub/b.go", "src-gen/c.go", "docs/x.md", "src")
	var got []string
	walk := func(m match.Matcher) []string {
		got = nil
		require.NoError(t, d.Walk(m, func(p string) error {
			got = append(got, p)
			return nil
		}))
		return got
	}
	assert.Equal(t, []string{"src", "src/a.go", "src/sub/b.go"}, walk(match.Prefix("src")))
	assert.Equal(t, []string{"docs/x.md", "src/a.go"}, walk(match.Exact("src/a.go", "docs/x.md", "nope")))
	assert.Len(t, walk(match.Always()), 5)

	ok, err := d.HasDir("src/sub")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.HasDir("sr")
	require.NoError(t, err)
	assert.False(t, ok)

	sub, err := d.Matches(match.Prefix("docs"))
	require.NoError(t, err)
	n, _ := sub.Len()
	assert.Equal(t, 1, n)
}

func TestFastDelta(t *testing.T) {
	m1 := buildDict(t, "a", "b", "c", "d/e", "f")
	base, err := m1.Text()
	require.NoError(t, err)

	m2 := m1.Copy().(*Dict)
	require.NoError(t, m2.Set("b", Entry{Node: fileNode("b2")}))
	require.NoError(t, m2.Set("bb", Entry{Node: fileNode("bb")}))
	require.NoError(t, m2.Delete("c"))
	require.NoError(t, m2.Set("z", Entry{Node: fileNode("z"), Flags: FlagExec}))
	changes := MergeChanges([]string{"z", "bb", "b"}, []string{"c"})

	text, delta, err := m2.FastDelta(base, changes)
	require.NoError(t, err)
	want, err := m2.Text()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(text))

	patched, err := mpatch.Apply(base, [][]byte{delta})
	require.NoError(t, err)
	assert.Equal(t, string(want), string(patched))

	assert.Panics(t, func() {
		_, _, _ = m2.FastDelta(want, []Change{{Path: "c", Delete: true}})
	})
}

func TestFastDeltaLargeChangeSet(t *testing.T) {
	m1 := buildDict(t, "keep")
	base, err := m1.Text()
	require.NoError(t, err)

	m2 := m1.Copy().(*Dict)
	var added []string
	for i := 0; i < FastDeltaThreshold+5; i++ {
		p := fmt.Sprintf("f%05d", i)
		require.NoError(t, m2.Set(p, Entry{Node: fileNode(p)}))
		added = append(added, p)
	}
	text, delta, err := m2.FastDelta(base, MergeChanges(added, nil))
	require.NoError(t, err)
	patched, err := mpatch.Apply(base, [][]byte{delta})
	require.NoError(t, err)
	assert.Equal(t, text, patched)
}

func TestMsearch(t *testing.T) {
	m := buildDict(t, "a", "c")
	text, _ := m.Text()
	line := len(text) / 2

	start, end := msearch(text, "c", 0, node.SHA1.HexLen)
	assert.Equal(t, line, start)
	assert.Equal(t, len(text), end)

	start, end = msearch(text, "b", 0, node.SHA1.HexLen)
	assert.Equal(t, line, start)
	assert.Equal(t, start, end)

	start, end = msearch(text, "z", 0, node.SHA1.HexLen)
	assert.Equal(t, len(text), start)
	assert.Equal(t, start, end)
}

func TestMergeChanges(t *testing.T) {
	got := MergeChanges([]string{"b", "a"}, []string{"c", "a"})
	assert.Equal(t, []Change{{Path: "a"}, {Path: "a", Delete: true}, {Path: "b"}, {Path: "c", Delete: true}}, got)
}
