package revlog

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/store"
)

// Backend persists index records and encoded chunks.
type Backend interface {
	Load() ([]IndexEntry, error)
	Append(rev node.Rev, e IndexEntry, chunk []byte) error
	Chunk(rev node.Rev) ([]byte, error)
	Truncate(rev node.Rev) error
}

// MemoryBackend keeps everything in process memory.
type MemoryBackend struct {
	entries []IndexEntry
	chunks  [][]byte
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (m *MemoryBackend) Load() ([]IndexEntry, error) {
	return append([]IndexEntry(nil), m.entries...), nil
}

func (m *MemoryBackend) Append(rev node.Rev, e IndexEntry, chunk []byte) error {
	if int(rev) != len(m.entries) {
		return errors.Errorf("append out of order: rev %d, have %d", rev, len(m.entries))
	}
	m.entries = append(m.entries, e)
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *MemoryBackend) Chunk(rev node.Rev) ([]byte, error) {
	if rev < 0 || int(rev) >= len(m.chunks) {
		return nil, errors.Errorf("chunk %d out of range", rev)
	}
	return m.chunks[rev], nil
}

func (m *MemoryBackend) Truncate(rev node.Rev) error {
	if int(rev) < len(m.entries) {
		m.entries = m.entries[:rev]
		m.chunks = m.chunks[:rev]
	}
	return nil
}

// SetChunk overwrites the stored chunk of rev. It exists to simulate on-disk
// damage.
func (m *MemoryBackend) SetChunk(rev node.Rev, chunk []byte) {
	m.chunks[rev] = chunk
}

// BoltBackend stores one revlog in a bbolt database with msgpack encoded
// index records keyed by big-endian revision number.
type BoltBackend struct {
	db   *store.DB
	name string
}

func NewBoltBackend(db *store.DB, name string) *BoltBackend {
	return &BoltBackend{db: db, name: name}
}

func (b *BoltBackend) Load() ([]IndexEntry, error) {
	var entries []IndexEntry
	err := b.db.Revisions(b.name, func(rev uint32, raw []byte) error {
		if int(rev) != len(entries) {
			return errs.NewCorruption("revlog index "+b.name, int64(rev), "revision gap")
		}
		var e IndexEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return &errs.CorruptionError{Err: err, Category: "revlog index " + b.name, Offset: int64(rev)}
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func (b *BoltBackend) Append(rev node.Rev, e IndexEntry, chunk []byte) error {
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "encode index entry")
	}
	return b.db.AppendRevision(b.name, uint32(rev), raw, chunk)
}

func (b *BoltBackend) Chunk(rev node.Rev) ([]byte, error) {
	return b.db.Chunk(b.name, uint32(rev))
}

func (b *BoltBackend) Truncate(rev node.Rev) error {
	return b.db.TruncateRevlog(b.name, uint32(rev))
}
