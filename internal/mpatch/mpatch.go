// Package mpatch applies binary fragment patches.
//
// A patch is a sequence of records, each a big-endian (start, end, length)
// triple followed by length bytes, replacing base[start:end) with the
// payload. Several patches against successive texts are folded into one
// fragment list against the first text before being applied.
package mpatch

import (
	"bytes"
	"encoding/binary"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
)

// HeaderSize is the size of one fragment header.
const HeaderSize = 12

// Frag replaces Start:End of the text it applies to with Data.
type Frag struct {
	Start int
	End   int
	Data  []byte
}

type flist struct {
	frags []Frag
	head  int
}

func (l *flist) size() int { return len(l.frags) - l.head }

// Decode parses one patch into its fragments.
func Decode(bin []byte) ([]Frag, error) {
	var frags []Frag
	pos := 0
	for pos < len(bin) {
		if pos+HeaderSize > len(bin) {
			break
		}
		start := int(int32(binary.BigEndian.Uint32(bin[pos:])))
		end := int(int32(binary.BigEndian.Uint32(bin[pos+4:])))
		n := int(int32(binary.BigEndian.Uint32(bin[pos+8:])))
		if start < 0 || start > end || n < 0 {
			break
		}
		pos += HeaderSize
		if pos+n > len(bin) {
			pos += n
			break
		}
		frags = append(frags, Frag{Start: start, End: end, Data: bin[pos : pos+n]})
		pos += n
	}
	if pos != len(bin) {
		return nil, errs.NewCorruption("patch", int64(pos), "patch cannot be decoded")
	}
	return frags, nil
}

// Encode serializes fragments into one patch.
func Encode(frags []Frag) []byte {
	var buf bytes.Buffer
	for _, f := range frags {
		writeHeader(&buf, f.Start, f.End, len(f.Data))
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, start, end, n int) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(start))
	binary.BigEndian.PutUint32(hdr[4:], uint32(end))
	binary.BigEndian.PutUint32(hdr[8:], uint32(n))
	buf.Write(hdr[:])
}

// ReplaceHeader returns the header of a patch replacing a whole text of
// oldLen bytes with newLen bytes.
func ReplaceHeader(oldLen, newLen int) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, 0, oldLen, newLen)
	return buf.Bytes()
}

// TrivialHeader returns the header of a patch producing newLen bytes from an
// empty text.
func TrivialHeader(newLen int) []byte { return ReplaceHeader(0, newLen) }

// gather moves fragments of src that start before cut into dest, adjusting
// for offset. The last fragment is split if it straddles cut.
func gather(dest []Frag, src *flist, cut, offset int) ([]Frag, int) {
	for src.head < len(src.frags) {
		s := &src.frags[src.head]
		if offset+s.Start >= cut {
			break
		}
		if offset+s.Start+len(s.Data) <= cut {
			offset += s.Start - s.End + len(s.Data)
			dest = append(dest, *s)
			src.head++
			continue
		}
		c := min(cut-offset, s.End)
		l := min(cut-offset-s.Start, len(s.Data))
		offset += s.Start + l - c
		dest = append(dest, Frag{Start: s.Start, End: c, Data: s.Data[:l]})
		s.Start = c
		s.Data = s.Data[l:]
		break
	}
	return dest, offset
}

// discard drops fragments of src that start before cut.
func discard(src *flist, cut, offset int) int {
	for src.head < len(src.frags) {
		s := &src.frags[src.head]
		if offset+s.Start >= cut {
			break
		}
		if offset+s.Start+len(s.Data) <= cut {
			offset += s.Start - s.End + len(s.Data)
			src.head++
			continue
		}
		c := min(cut-offset, s.End)
		l := min(cut-offset-s.Start, len(s.Data))
		offset += s.Start + l - c
		s.Start = c
		s.Data = s.Data[l:]
		break
	}
	return offset
}

// combine folds b, expressed against the output of a, into a single list
// expressed against a's input.
func combine(a, b *flist) *flist {
	out := make([]Frag, 0, 2*(a.size()+b.size()))
	offset := 0
	for _, bh := range b.frags[b.head:] {
		out, offset = gather(out, a, bh.Start, offset)
		post := discard(a, bh.End, offset)
		out = append(out, Frag{Start: bh.Start - offset, End: bh.End - post, Data: bh.Data})
		offset = post
	}
	out = append(out, a.frags[a.head:]...)
	return &flist{frags: out}
}

func fold(patches [][]byte, start, end int) (*flist, error) {
	if start+1 == end {
		frags, err := Decode(patches[start])
		if err != nil {
			return nil, err
		}
		return &flist{frags: frags}, nil
	}
	half := (end - start) / 2
	left, err := fold(patches, start, start+half)
	if err != nil {
		return nil, err
	}
	right, err := fold(patches, start+half, end)
	if err != nil {
		return nil, err
	}
	return combine(left, right), nil
}

// Fold combines successive patches into one fragment list against the text
// the first patch applies to.
func Fold(patches [][]byte) ([]Frag, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	l, err := fold(patches, 0, len(patches))
	if err != nil {
		return nil, err
	}
	return l.frags[l.head:], nil
}

func calcSize(baseLen int, frags []Frag) (int, error) {
	outLen, last := 0, 0
	for _, f := range frags {
		outLen += f.Start - last + len(f.Data)
		last = f.End
	}
	outLen += baseLen - last
	if outLen < 0 {
		return 0, errs.ErrInconsistent
	}
	return outLen, nil
}

// Apply applies patches in order to base and returns the new text.
func Apply(base []byte, patches [][]byte) ([]byte, error) {
	if len(patches) == 0 {
		return base, nil
	}
	frags, err := Fold(patches)
	if err != nil {
		return nil, err
	}
	last := 0
	for _, f := range frags {
		if f.Start < last || f.End > len(base) || f.Start > f.End {
			return nil, errs.NewCorruption("patch", int64(f.Start), "invalid patch")
		}
		last = f.End
	}
	size, err := calcSize(len(base), frags)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	last = 0
	for _, f := range frags {
		out = append(out, base[last:f.Start]...)
		out = append(out, f.Data...)
		last = f.End
	}
	out = append(out, base[last:]...)
	return out, nil
}

// PatchedSize returns the length of the text produced by applying delta to a
// text of origLen bytes, without building it.
func PatchedSize(origLen int, delta []byte) (int, error) {
	outLen, last, pos := 0, 0, 0
	for pos+HeaderSize <= len(delta) {
		start := int(int32(binary.BigEndian.Uint32(delta[pos:])))
		end := int(int32(binary.BigEndian.Uint32(delta[pos+4:])))
		n := int(int32(binary.BigEndian.Uint32(delta[pos+8:])))
		if start > end || n < 0 {
			break
		}
		pos += HeaderSize + n
		outLen += start - last + n
		last = end
	}
	if pos != len(delta) {
		return 0, errs.NewCorruption("patch", int64(pos), "patch cannot be decoded")
	}
	outLen += origLen - last
	if outLen < 0 {
		return 0, errs.ErrInconsistent
	}
	return outLen, nil
}
