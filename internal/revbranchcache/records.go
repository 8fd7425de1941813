package revbranchcache

import (
	"encoding/binary"
	"fmt"
)

const (
	// RecordSize is the size of one [4 byte node prefix][4 byte value] record.
	RecordSize = 8
	prefixLen  = 4
	// minGrowth is the smallest allocation step, 64 records.
	minGrowth = 64 * RecordSize

	closeFlag = 0x80000000
	indexMask = 0x7FFFFFFF
)

// recordBuffer is the in-memory image of the record file. Record r lives at
// byte r*RecordSize. Growing appends max(minGrowth, needed) zero bytes, so the
// buffer at least doubles and appending one revision at a time stays linear.
// Zero-filled records read as "not written".
type recordBuffer struct {
	data []byte
}

func newRecordBuffer(data []byte) *recordBuffer {
	b := &recordBuffer{data: make([]byte, len(data))}
	copy(b.data, data)
	return b
}

// Len returns the number of whole records in the buffer.
func (b *recordBuffer) Len() int { return len(b.data) / RecordSize }

// Has reports whether space for rev is allocated.
func (b *recordBuffer) Has(rev int) bool {
	return rev >= 0 && len(b.data) >= (rev+1)*RecordSize
}

// Record returns the node prefix and value stored for rev.
func (b *recordBuffer) Record(rev int) ([prefixLen]byte, uint32, error) {
	var prefix [prefixLen]byte
	if !b.Has(rev) {
		return prefix, 0, fmt.Errorf("record %d out of range (%d records)", rev, b.Len())
	}
	off := rev * RecordSize
	copy(prefix[:], b.data[off:off+prefixLen])
	return prefix, binary.BigEndian.Uint32(b.data[off+prefixLen:]), nil
}

// Put stores a record for rev, growing the buffer as needed.
func (b *recordBuffer) Put(rev int, nodePrefix []byte, value uint32) error {
	if rev < 0 {
		return fmt.Errorf("negative record index %d", rev)
	}
	if len(nodePrefix) < prefixLen {
		return fmt.Errorf("node prefix too short: %d bytes", len(nodePrefix))
	}
	need := (rev + 1) * RecordSize
	if len(b.data) < need {
		b.data = append(b.data, make([]byte, max(minGrowth, need))...)
	}
	off := rev * RecordSize
	copy(b.data[off:], nodePrefix[:prefixLen])
	binary.BigEndian.PutUint32(b.data[off+prefixLen:], value)
	return nil
}

// Truncate drops every record from n on.
func (b *recordBuffer) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n*RecordSize < len(b.data) {
		b.data = b.data[:n*RecordSize]
	}
}

// Bytes returns the encoded records [start, end).
func (b *recordBuffer) Bytes(start, end int) []byte {
	end = min(end, b.Len())
	if start >= end {
		return nil
	}
	return b.data[start*RecordSize : end*RecordSize]
}

// Size returns the buffer length in bytes, allocated padding included.
func (b *recordBuffer) Size() int { return len(b.data) }
