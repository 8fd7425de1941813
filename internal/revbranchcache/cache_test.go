package revbranchcache

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/ivaldi-revstore/internal/changelog"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/revlog"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

// countingLog counts the branch lookups that reach the changesets.
type countingLog struct {
	*changelog.Log
	slow int
}

func (c *countingLog) BranchInfo(rev node.Rev) (string, bool, error) {
	c.slow++
	return c.Log.BranchInfo(rev)
}

type testRepo struct {
	t     *testing.T
	cl    *changelog.Log
	nodes []node.Node
}

func newRepo(t *testing.T) *testRepo {
	return &testRepo{t: t, cl: changelog.New(revlog.NewMemory("00changelog", revlog.Options{}))}
}

// commit appends a linear changeset on branch.
func (r *testRepo) commit(branch string, closed bool) node.Node {
	r.t.Helper()
	extra := map[string]string{"branch": branch}
	if closed {
		extra["close"] = "1"
	}
	p1 := node.SHA1.NullID
	if len(r.nodes) > 0 {
		p1 = r.nodes[len(r.nodes)-1]
	}
	e := &changelog.Entry{
		Manifest:    node.SHA1.NullID,
		User:        "tester",
		Time:        int64(1700000000 + len(r.nodes)),
		Description: branch,
		Extra:       extra,
	}
	n, err := r.cl.Add(nil, e, p1, node.SHA1.NullID)
	require.NoError(r.t, err)
	r.nodes = append(r.nodes, n)
	return n
}

func (r *testRepo) strip(rev int) {
	r.t.Helper()
	require.NoError(r.t, r.cl.Strip(node.Rev(rev)))
	r.nodes = r.nodes[:rev]
}

func branchOf(t *testing.T, c *Cache, rev int) (string, bool) {
	t.Helper()
	b, closed, err := c.BranchInfo(node.Rev(rev))
	require.NoError(t, err)
	return b, closed
}

func TestRecordBufferGrowth(t *testing.T) {
	b := newRecordBuffer(nil)
	assert.False(t, b.Has(0))

	require.NoError(t, b.Put(0, []byte{1, 2, 3, 4, 5}, 7))
	assert.Equal(t, 64, b.Len())
	prefix, value, err := b.Record(0)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, prefix)
	assert.Equal(t, uint32(7), value)

	// the buffer at least doubles
	require.NoError(t, b.Put(64, []byte{9, 9, 9, 9}, closeFlag|1))
	assert.Equal(t, 129, b.Len())
	_, value, err = b.Record(64)
	require.NoError(t, err)
	assert.Equal(t, uint32(closeFlag|1), value)

	prefix, value, err = b.Record(10)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, prefix)
	assert.Zero(t, value)

	_, _, err = b.Record(500)
	assert.Error(t, err)
	assert.Error(t, b.Put(-1, []byte{1, 2, 3, 4}, 0))
	assert.Error(t, b.Put(0, []byte{1}, 0))

	b.Truncate(2)
	assert.Equal(t, 2, b.Len())
	assert.Len(t, b.Bytes(0, 10), 2*RecordSize)
	assert.Nil(t, b.Bytes(2, 2))
}

func TestBranchInfoIsCachedOnDisk(t *testing.T) {
	r := newRepo(t)
	r.commit("default", false)
	r.commit("stable", false)
	n2 := r.commit("stable", true)

	v := vfs.NewMem()
	c := Open(r.cl, v, Options{Logger: zerolog.Nop()})
	b, closed := branchOf(t, c, 0)
	assert.Equal(t, "default", b)
	assert.False(t, closed)
	b, closed = branchOf(t, c, 2)
	assert.Equal(t, "stable", b)
	assert.True(t, closed)
	branchOf(t, c, 1)
	assert.Equal(t, []string{"default", "stable"}, c.Names())

	assert.Equal(t, 3, c.Records())

	require.NoError(t, c.Write(nil))
	names, err := v.Read(NamesFile)
	require.NoError(t, err)
	assert.Equal(t, "default\x00stable", string(names))
	revs, err := v.Read(RevsFile)
	require.NoError(t, err)
	require.Len(t, revs, 3*RecordSize)
	assert.Equal(t, n2.Bytes()[:4], revs[16:20])
	assert.Equal(t, uint32(closeFlag|1), binary.BigEndian.Uint32(revs[20:24]))

	counting := &countingLog{Log: r.cl}
	reopened := Open(counting, v, Options{Logger: zerolog.Nop()})
	for rev, want := range []string{"default", "stable", "stable"} {
		b, _ := branchOf(t, reopened, rev)
		assert.Equal(t, want, b)
	}
	assert.Zero(t, counting.slow)

	b, _ = branchOf(t, reopened, -1)
	assert.Equal(t, changelog.DefaultBranch, b)
}

func TestRewrittenHistoryIsRecomputed(t *testing.T) {
	r := newRepo(t)
	r.commit("default", false)
	r.commit("stable", false)
	r.commit("stable", false)

	v := vfs.NewMem()
	c := Open(r.cl, v, Options{Logger: zerolog.Nop()})
	for rev := range 3 {
		branchOf(t, c, rev)
	}
	require.NoError(t, c.Write(nil))

	r.strip(2)
	r.commit("other", false)

	counting := &countingLog{Log: r.cl}
	c = Open(counting, v, Options{Logger: zerolog.Nop()})
	b, _ := branchOf(t, c, 0)
	assert.Equal(t, "default", b)
	b, _ = branchOf(t, c, 1)
	assert.Equal(t, "stable", b)
	assert.Zero(t, counting.slow, "records before the rewrite stay valid")

	b, _ = branchOf(t, c, 2)
	assert.Equal(t, "other", b)
	assert.Equal(t, 1, counting.slow)
	require.NoError(t, c.Write(nil))

	names, err := v.Read(NamesFile)
	require.NoError(t, err)
	assert.Equal(t, "default\x00stable\x00other", string(names))
	size, err := v.Size(RevsFile)
	require.NoError(t, err)
	assert.Equal(t, int64(3*RecordSize), size)

	counting = &countingLog{Log: r.cl}
	c = Open(counting, v, Options{Logger: zerolog.Nop()})
	b, _ = branchOf(t, c, 2)
	assert.Equal(t, "other", b)
	assert.Zero(t, counting.slow)
}

func TestNamesFileChangedOnDiskIsRewritten(t *testing.T) {
	r := newRepo(t)
	r.commit("default", false)
	r.commit("stable", false)

	v := vfs.NewMem()
	c := Open(r.cl, v, Options{Logger: zerolog.Nop()})
	branchOf(t, c, 0)
	branchOf(t, c, 1)
	require.NoError(t, c.Write(nil))

	require.NoError(t, v.WriteAtomic(NamesFile, []byte("default\x00stable\x00junk")))
	r.commit("other", false)
	branchOf(t, c, 2)
	require.NoError(t, c.Write(nil))

	names, err := v.Read(NamesFile)
	require.NoError(t, err)
	assert.Equal(t, "default\x00stable\x00other", string(names))

	counting := &countingLog{Log: r.cl}
	reopened := Open(counting, v, Options{Logger: zerolog.Nop()})
	for rev, want := range []string{"default", "stable", "other"} {
		b, _ := branchOf(t, reopened, rev)
		assert.Equal(t, want, b)
	}
	assert.Zero(t, counting.slow)
}

func TestUnknownNameIndexRebuildsCache(t *testing.T) {
	r := newRepo(t)
	n := r.commit("default", false)

	v := vfs.NewMem()
	record := make([]byte, RecordSize)
	copy(record, n.Bytes()[:4])
	binary.BigEndian.PutUint32(record[4:], 5)
	require.NoError(t, v.WriteAtomic(NamesFile, []byte("default")))
	require.NoError(t, v.WriteAtomic(RevsFile, record))

	c := Open(r.cl, v, Options{Logger: zerolog.Nop()})
	b, _ := branchOf(t, c, 0)
	assert.Equal(t, "default", b)
	require.NoError(t, c.Write(nil))

	revs, err := v.Read(RevsFile)
	require.NoError(t, err)
	require.Len(t, revs, RecordSize)
	assert.Zero(t, binary.BigEndian.Uint32(revs[4:]))
}

func TestReadOnlyCacheUsesSlowPath(t *testing.T) {
	r := newRepo(t)
	n := r.commit("stable", false)

	counting := &countingLog{Log: r.cl}
	c := Open(counting, vfs.NewMem(), Options{ReadOnly: true, Logger: zerolog.Nop()})
	branchOf(t, c, 0)
	branchOf(t, c, 0)
	assert.Equal(t, 2, counting.slow)

	require.NoError(t, c.SetData(0, n, "stable", false))
	b, _ := branchOf(t, c, 0)
	assert.Equal(t, "stable", b)
	assert.Equal(t, 2, counting.slow)
}

func TestWriteRunsWhenTransactionFinalizes(t *testing.T) {
	r := newRepo(t)
	r.commit("default", false)

	v := vfs.NewMem()
	tr := txn.New("commit", zerolog.Nop())
	lock := txn.NewLock("wlock")
	c := Open(r.cl, v, Options{
		Lock:               lock,
		CurrentTransaction: func() txn.Transaction { return tr },
		Logger:             zerolog.Nop(),
	})
	branchOf(t, c, 0)
	assert.False(t, v.Exists(NamesFile))

	require.NoError(t, tr.Close())
	assert.True(t, v.Exists(NamesFile))
	assert.True(t, v.Exists(RevsFile))
	assert.False(t, lock.Held(), "lock taken for the write is released")
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	r := newRepo(t)
	r.commit("default", false)

	v := vfs.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/repo")
	c := Open(r.cl, v, Options{Logger: zerolog.Nop()})
	b, _ := branchOf(t, c, 0)
	assert.Equal(t, "default", b)
	assert.NoError(t, c.Write(nil))

	lock := txn.NewLock("wlock")
	require.NoError(t, lock.TryAcquire())
	other := Open(r.cl, vfs.NewMem(), Options{Lock: lock, Logger: zerolog.Nop()})
	branchOf(t, other, 0)
	assert.NoError(t, other.Write(nil))
	assert.True(t, lock.Held())
}
