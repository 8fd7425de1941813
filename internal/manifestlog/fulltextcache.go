package manifestlog

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

// FulltextCacheFile holds the persisted full-text cache in the cache VFS.
const FulltextCacheFile = "manifestfulltextcache"

// DefaultCacheSize is the number of manifest texts kept in memory.
const DefaultCacheSize = 4

// FulltextCache keeps recent manifest texts by node. It is read lazily from
// its file and written back only when modified. The file is a sequence of
// [node][4 byte big-endian length][text] records ordered oldest to newest; a
// truncated or malformed tail is ignored.
type FulltextCache struct {
	consts node.Constants
	vfs    *vfs.VFS
	cache  *simplelru.LRU[node.Node, []byte]
	read   bool
	dirty  bool
	log    zerolog.Logger
}

// NewFulltextCache returns a cache persisted in v. A nil v keeps the cache in
// memory only.
func NewFulltextCache(consts node.Constants, v *vfs.VFS, capacity int, log zerolog.Logger) *FulltextCache {
	if capacity < 1 {
		capacity = DefaultCacheSize
	}
	return &FulltextCache{
		consts: consts,
		vfs:    v,
		cache:  newLRU[[]byte](capacity),
		log:    log,
	}
}

// newLRU returns an LRU keyed by node. capacity must be positive.
func newLRU[V any](capacity int) *simplelru.LRU[node.Node, V] {
	c, err := simplelru.NewLRU[node.Node, V](capacity, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *FulltextCache) load() {
	if c.read || c.vfs == nil {
		return
	}
	c.read = true
	c.dirty = false
	data, err := c.vfs.Read(FulltextCacheFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Debug().Err(err).Str("file", FulltextCacheFile).Msg("could not read manifest cache")
		}
		return
	}
	width := c.consts.NodeLen
	for len(data) >= width+4 {
		n, err := c.consts.FromBytes(data[:width])
		if err != nil {
			break
		}
		size := binary.BigEndian.Uint32(data[width:])
		data = data[width+4:]
		if uint64(len(data)) < uint64(size) {
			break
		}
		text := make([]byte, size)
		copy(text, data)
		data = data[size:]
		c.cache.Add(n, text)
	}
}

// Get returns the cached text of n and marks it most recently used.
func (c *FulltextCache) Get(n node.Node) ([]byte, bool) {
	c.load()
	return c.cache.Get(n)
}

func (c *FulltextCache) Contains(n node.Node) bool {
	c.load()
	return c.cache.Contains(n)
}

func (c *FulltextCache) Set(n node.Node, text []byte) {
	c.load()
	c.cache.Add(n, text)
	c.dirty = true
}

func (c *FulltextCache) Len() int {
	c.load()
	return c.cache.Len()
}

// Entries calls fn from most to least recently used without changing the
// order.
func (c *FulltextCache) Entries(fn func(n node.Node, text []byte)) {
	c.load()
	keys := c.cache.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		v, _ := c.cache.Peek(keys[i])
		fn(keys[i], v)
	}
}

// Clear empties the cache. With persisted set the file is truncated too;
// otherwise the next access reloads it.
func (c *FulltextCache) Clear(persisted bool) {
	c.cache.Purge()
	if persisted {
		c.dirty = true
		c.Write()
	}
	c.read = false
}

// Write persists the cache if it changed. Failures are logged and dropped.
func (c *FulltextCache) Write() {
	if !c.dirty || c.vfs == nil {
		return
	}
	var buf []byte
	var size [4]byte
	for _, n := range c.cache.Keys() {
		text, _ := c.cache.Peek(n)
		buf = append(buf, n.Bytes()...)
		binary.BigEndian.PutUint32(size[:], uint32(len(text)))
		buf = append(buf, size[:]...)
		buf = append(buf, text...)
	}
	if err := c.vfs.WriteAtomic(FulltextCacheFile, buf); err != nil {
		c.log.Debug().Err(err).Str("file", FulltextCacheFile).Msg("could not write manifest cache")
		return
	}
	c.dirty = false
}
