package revlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/ivaldi-revstore/internal/compress"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/mdiff"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/store"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
)

func textN(i int) []byte {
	var b strings.Builder
	for j := 0; j < 40; j++ {
		fmt.Fprintf(&b, "line %d\n", j)
	}
	fmt.Fprintf(&b, "revision %d\n", i)
	return []byte(b.String())
}

func addLinear(t *testing.T, rl *Revlog, n int) []node.Node {
	t.Helper()
	var nodes []node.Node
	parent := node.SHA1.NullID
	for i := 0; i < n; i++ {
		nd, err := rl.AddRevision(textN(i), nil, node.Rev(i), parent, node.Node{}, nil)
		require.NoError(t, err)
		nodes = append(nodes, nd)
		parent = nd
	}
	return nodes
}

func TestAddAndRead(t *testing.T) {
	rl := NewMemory("00manifest", Options{Compression: compress.Zstd})
	nodes := addLinear(t, rl, 10)
	require.Equal(t, 10, rl.Len())

	for i, n := range nodes {
		rl.cacheRev = node.NullRev
		text, err := rl.Revision(n)
		require.NoError(t, err)
		assert.Equal(t, string(textN(i)), string(text))

		rev, err := rl.Rev(n)
		require.NoError(t, err)
		assert.Equal(t, node.Rev(i), rev)
	}

	base, err := rl.DeltaBase(5)
	require.NoError(t, err)
	assert.Equal(t, node.Rev(4), base, "revisions should delta against p1")

	p1, p2, err := rl.Parents(nodes[3])
	require.NoError(t, err)
	assert.Equal(t, nodes[2], p1)
	assert.True(t, p2.IsNull())
}

func TestDuplicateAddReturnsExistingNode(t *testing.T) {
	rl := NewMemory("x", Options{})
	a, err := rl.AddRevision([]byte("same"), nil, 0, node.Node{}, node.Node{}, nil)
	require.NoError(t, err)
	b, err := rl.AddRevision([]byte("same"), nil, 1, node.Node{}, node.Node{}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, rl.Len())
}

func TestUnknownNode(t *testing.T) {
	rl := NewMemory("x", Options{})
	missing := node.SHA1.Hash([]byte("nope"), node.Node{}, node.Node{})
	_, err := rl.Revision(missing)
	assert.True(t, errors.Is(err, errs.ErrUnknownNode))
	assert.False(t, rl.HasNode(missing))
	assert.True(t, rl.HasNode(node.SHA1.NullID))
	_, err = rl.Node(3)
	assert.True(t, errors.Is(err, errs.ErrUnknownNode))
}

func TestCachedDeltaIsUsed(t *testing.T) {
	rl := NewMemory("x", Options{})
	base := textN(0)
	n0, err := rl.AddRevision(base, nil, 0, node.Node{}, node.Node{}, nil)
	require.NoError(t, err)
	next := append(append([]byte(nil), base...), "tail\n"...)
	delta := mdiff.TextDiff(base, next)
	n1, err := rl.AddRevision(next, nil, 1, n0, node.Node{}, &CachedDelta{Base: 0, Delta: delta})
	require.NoError(t, err)

	raw, err := rl.backend.Chunk(1)
	require.NoError(t, err)
	stored, err := compress.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, delta, stored)

	rl.cacheRev = node.NullRev
	got, err := rl.Revision(n1)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestMismatchedCachedDeltaIgnored(t *testing.T) {
	rl := NewMemory("x", Options{})
	n0, err := rl.AddRevision(textN(0), nil, 0, node.Node{}, node.Node{}, nil)
	require.NoError(t, err)
	bogus := mdiff.TextDiff(textN(0), []byte("something else\n"))
	n1, err := rl.AddRevision(textN(1), nil, 1, n0, node.Node{}, &CachedDelta{Base: 0, Delta: bogus})
	require.NoError(t, err)
	rl.cacheRev = node.NullRev
	got, err := rl.Revision(n1)
	require.NoError(t, err)
	assert.Equal(t, textN(1), got)
}

func TestChainLengthCapForcesSnapshot(t *testing.T) {
	rl := NewMemory("x", Options{MaxChainLen: 2})
	addLinear(t, rl, 4)
	base, err := rl.DeltaBase(3)
	require.NoError(t, err)
	assert.Equal(t, node.NullRev, base)
}

func TestCorruptChunkDetected(t *testing.T) {
	backend := NewMemoryBackend()
	rl, err := Open("x", backend, Options{})
	require.NoError(t, err)
	nodes := addLinear(t, rl, 1)
	backend.SetChunk(0, append([]byte{byte(compress.None)}, "tampered"...))
	rl.cacheRev = node.NullRev
	_, err = rl.Revision(nodes[0])
	assert.True(t, errs.IsCorrupt(err), "got %v", err)
}

func TestAbortStripsRevisions(t *testing.T) {
	rl := NewMemory("x", Options{})
	addLinear(t, rl, 2)
	tip, _ := rl.Node(1)

	tr := txn.New("test", zerolog.Nop())
	_, err := rl.AddRevision([]byte("pending\n"), tr, 2, tip, node.Node{}, nil)
	require.NoError(t, err)
	_, err = rl.AddRevision([]byte("pending 2\n"), tr, 3, tip, node.Node{}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, rl.Len())

	tr.Abort()
	assert.Equal(t, 2, rl.Len())
	text, err := rl.Revision(tip)
	require.NoError(t, err)
	assert.Equal(t, textN(1), text)
}

func TestBoltBackendPersists(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "revlogs.db"))
	require.NoError(t, err)
	defer db.Close()

	opts := Options{Constants: node.BLAKE3, Compression: compress.Snappy}
	rl, err := Open("meta/a/00manifest", NewBoltBackend(db, "meta/a/00manifest"), opts)
	require.NoError(t, err)
	var nodes []node.Node
	parent := node.BLAKE3.NullID
	for i := 0; i < 5; i++ {
		n, err := rl.AddRevision(textN(i), nil, node.Rev(i), parent, node.Node{}, nil)
		require.NoError(t, err)
		nodes = append(nodes, n)
		parent = n
	}

	reopened, err := Open("meta/a/00manifest", NewBoltBackend(db, "meta/a/00manifest"), opts)
	require.NoError(t, err)
	require.Equal(t, 5, reopened.Len())
	for i, n := range nodes {
		text, err := reopened.Revision(n)
		require.NoError(t, err)
		assert.Equal(t, textN(i), text)
		assert.Equal(t, 32, n.Len())
	}
	require.NoError(t, reopened.Strip(2))
	again, err := Open("meta/a/00manifest", NewBoltBackend(db, "meta/a/00manifest"), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Len())
}
