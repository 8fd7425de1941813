// Package revbranchcache persists the branch name and closed flag of every
// changeset so branch queries do not have to parse changesets.
//
// Two files live in the cache VFS. NamesFile is the NUL separated list of
// branch names; it only grows. RevsFile holds one 8 byte record per
// revision: the first 4 bytes of the changeset node followed by a big-endian
// value whose high bit is the closed flag and whose low 31 bits index the
// name list. A record whose node prefix no longer matches the changelog marks
// rewritten history and is recomputed with everything after it.
package revbranchcache

import (
	"bytes"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

const (
	NamesFile = "rbc-names-v1"
	RevsFile  = "rbc-revs-v1"

	finalizeCategory = "write-revbranchcache"
)

// Changelog is the unfiltered changelog the cache is derived from.
type Changelog interface {
	Len() int
	Node(rev node.Rev) (node.Node, error)
	BranchInfo(rev node.Rev) (string, bool, error)
}

type Options struct {
	// ReadOnly disables the cached fast path when the names file cannot be
	// read, until new data is recorded with SetData.
	ReadOnly bool
	// Lock guards writes. Write takes it when not already held.
	Lock *txn.Lock
	// CurrentTransaction returns the open transaction, if any. Updates made
	// while one is open are flushed when it finalizes.
	CurrentTransaction func() txn.Transaction
	Logger             zerolog.Logger
}

type Cache struct {
	cl   Changelog
	vfs  *vfs.VFS
	opts Options
	log  zerolog.Logger

	names    []string
	nameIdx  map[string]uint32
	revs     *recordBuffer
	slowOnly bool

	// on-disk bookkeeping: bytes of NamesFile known, names already written
	// and records already written.
	namesSize  int64
	namesCount int
	revsLen    int
}

// Open reads the cache files from v.
func Open(cl Changelog, v *vfs.VFS, opts Options) *Cache {
	c := &Cache{
		cl:      cl,
		vfs:     v,
		opts:    opts,
		log:     opts.Logger.With().Str("cache", "revbranchcache").Logger(),
		nameIdx: make(map[string]uint32),
		revs:    newRecordBuffer(nil),
	}

	data, err := v.Read(NamesFile)
	if err != nil {
		if opts.ReadOnly {
			c.slowOnly = true
		}
	} else {
		c.namesSize = int64(len(data))
		if len(data) > 0 {
			c.names = strings.Split(string(data), "\x00")
		}
	}
	if len(c.names) > 0 {
		revs, err := v.Read(RevsFile)
		if err != nil {
			c.log.Debug().Err(err).Msg("couldn't read revision branch cache")
		} else {
			c.revs = newRecordBuffer(revs)
		}
	}
	c.revsLen = min(c.revs.Len(), cl.Len())
	if c.revsLen == 0 {
		c.names = nil
	}
	c.namesCount = len(c.names)
	for i, name := range c.names {
		c.nameIdx[name] = uint32(i)
	}
	return c
}

// clear forgets all cached data; the next write rebuilds both files.
func (c *Cache) clear() {
	c.namesSize = 0
	c.names = nil
	c.namesCount = 0
	c.nameIdx = make(map[string]uint32)
	c.revsLen = c.cl.Len()
	c.revs = newRecordBuffer(make([]byte, c.revsLen*RecordSize))
}

// BranchInfo returns the branch name of rev and whether rev closes it.
func (c *Cache) BranchInfo(rev node.Rev) (string, bool, error) {
	if rev == node.NullRev {
		return c.cl.BranchInfo(rev)
	}
	if c.slowOnly || !c.revs.Has(int(rev)) {
		return c.branchInfo(rev)
	}

	n, err := c.cl.Node(rev)
	if err != nil {
		return "", false, err
	}
	prefix, value, err := c.revs.Record(int(rev))
	if err != nil {
		return "", false, err
	}
	closed := value&closeFlag != 0
	idx := value & indexMask
	switch {
	case prefix == [prefixLen]byte{}:
	case bytes.Equal(prefix[:], n.Bytes()[:prefixLen]):
		if int(idx) < len(c.names) {
			return c.names[idx], closed, nil
		}
		c.log.Debug().Msg("referenced branch names not found - rebuilding revision branch cache from scratch")
		c.clear()
	default:
		c.log.Debug().Int("rev", int(rev)).Msg("history modification detected - truncating revision branch cache")
		c.revs.Truncate(int(rev) + 1)
		c.revsLen = min(c.revsLen, int(rev))
	}
	return c.branchInfo(rev)
}

// branchInfo reads rev from the changelog and records the answer.
func (c *Cache) branchInfo(rev node.Rev) (string, bool, error) {
	branch, closed, err := c.cl.BranchInfo(rev)
	if err != nil {
		return "", false, err
	}
	n, err := c.cl.Node(rev)
	if err != nil {
		return "", false, err
	}
	if err := c.setCacheData(rev, n, c.nameIndex(branch), closed); err != nil {
		return "", false, err
	}
	return branch, closed, nil
}

func (c *Cache) nameIndex(branch string) uint32 {
	if idx, ok := c.nameIdx[branch]; ok {
		return idx
	}
	idx := uint32(len(c.names))
	c.names = append(c.names, branch)
	c.nameIdx[branch] = idx
	return idx
}

// SetData records the branch of a revision that is being added.
func (c *Cache) SetData(rev node.Rev, n node.Node, branch string, closed bool) error {
	if err := c.setCacheData(rev, n, c.nameIndex(branch), closed); err != nil {
		return err
	}
	c.slowOnly = false
	return nil
}

func (c *Cache) setCacheData(rev node.Rev, n node.Node, idx uint32, closed bool) error {
	if rev == node.NullRev {
		return nil
	}
	value := idx
	if closed {
		value |= closeFlag
	}
	if err := c.revs.Put(int(rev), n.Bytes(), value); err != nil {
		return err
	}
	c.revsLen = min(c.revsLen, int(rev))

	if c.opts.CurrentTransaction != nil {
		if tr := c.opts.CurrentTransaction(); tr != nil {
			tr.AddFinalize(finalizeCategory, c.Write)
		}
	}
	return nil
}

// Names returns the branch name table.
func (c *Cache) Names() []string { return c.names }

// Records returns the number of record slots covering changelog revisions.
// Growth padding past the changelog is not counted.
func (c *Cache) Records() int { return min(c.revs.Len(), c.cl.Len()) }

// Write flushes new names and records. It never fails: this cache can always
// be rebuilt, so problems are logged and dropped. The signature fits a
// transaction finalizer.
func (c *Cache) Write(txn.Transaction) error {
	var locked bool
	lock := func() error {
		if locked || c.opts.Lock == nil || c.opts.Lock.Held() {
			return nil
		}
		if err := c.opts.Lock.TryAcquire(); err != nil {
			return err
		}
		locked = true
		return nil
	}
	defer func() {
		if locked {
			_ = c.opts.Lock.Release(true)
		}
	}()

	if c.namesCount < len(c.names) {
		if err := lock(); err != nil {
			c.log.Debug().Err(err).Msg("couldn't write revision branch cache names")
			return nil
		}
		if err := c.writeNames(); err != nil {
			c.log.Debug().Err(err).Msg("couldn't write revision branch cache names")
			return nil
		}
	}

	start := c.revsLen * RecordSize
	if start != min(c.cl.Len(), c.revs.Len())*RecordSize {
		if err := lock(); err != nil {
			c.log.Debug().Err(err).Msg("couldn't write revision branch cache")
			return nil
		}
		if err := c.writeRevs(start); err != nil {
			c.log.Debug().Err(err).Msg("couldn't write revision branch cache")
		}
	}
	return nil
}

func (c *Cache) writeNames() error {
	if c.namesCount != 0 {
		size, err := c.vfs.Size(NamesFile)
		if err != nil {
			return err
		}
		if size == c.namesSize {
			data := "\x00" + strings.Join(c.names[c.namesCount:], "\x00")
			if err := c.vfs.Append(NamesFile, []byte(data)); err != nil {
				return err
			}
			c.namesSize += int64(len(data))
			c.namesCount = len(c.names)
			return nil
		}
		c.log.Debug().Str("file", NamesFile).Msg("names changed on disk - rewriting it")
		c.namesCount = 0
		c.revsLen = 0
	}
	// records refer to name indexes, so they go first
	if err := c.vfs.Remove(RevsFile); err != nil {
		return err
	}
	data := strings.Join(c.names, "\x00")
	if err := c.vfs.WriteAtomic(NamesFile, []byte(data)); err != nil {
		return err
	}
	c.namesSize = int64(len(data))
	c.namesCount = len(c.names)
	return nil
}

func (c *Cache) writeRevs(start int) error {
	revs := min(c.cl.Len(), c.revs.Len())
	size, err := c.vfs.Size(RevsFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if size != int64(start) {
		c.log.Debug().Str("file", RevsFile).Int("offset", start).Msg("truncating cache file")
		if size < int64(start) {
			start = 0
		}
	}
	first := min(start/RecordSize, revs)
	if err := c.vfs.WriteAt(RevsFile, int64(first*RecordSize), c.revs.Bytes(first, revs)); err != nil {
		return err
	}
	c.revsLen = revs
	return nil
}
