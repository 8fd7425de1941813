package manifest

import (
	"bytes"
	"fmt"

	"github.com/javanhut/ivaldi-revstore/internal/mdiff"
	"github.com/javanhut/ivaldi-revstore/internal/mpatch"
)

// FastDeltaThreshold is the change count above which FastDelta rebuilds the
// whole text and diffs it instead of splicing lines.
const FastDeltaThreshold = 1000

// msearch finds the line for path in the sorted manifest text m, starting the
// search at lo. If start == end the path is absent and start is the sorted
// insertion point.
func msearch(m []byte, path string, lo, hexLen int) (int, int) {
	if path == "" {
		return lo, lo
	}
	s := []byte(path)
	advance := func(i int, c byte) int {
		for i < len(m) && m[i] != c {
			i++
		}
		return min(i, len(m))
	}
	hi := len(m)
	for lo < hi {
		mid := (lo + hi) / 2
		start := mid
		for start > 0 && m[start-1] != '\n' {
			start--
		}
		end := advance(start, 0)
		if bytes.Compare(m[start:end], s) < 0 {
			lo = advance(end+hexLen, '\n') + 1
		} else {
			hi = start
		}
	}
	end := advance(lo, 0)
	if bytes.Equal(m[lo:end], s) {
		end = advance(end+hexLen, '\n')
		return lo, end + 1
	}
	return lo, lo
}

// FastDelta splices the changed lines into base. changes must be sorted by
// path, and every path being set must already hold its new value in d.
func (d *Dict) FastDelta(base []byte, changes []Change) ([]byte, []byte, error) {
	if len(changes) >= FastDeltaThreshold {
		text, err := d.Text()
		if err != nil {
			return nil, nil, err
		}
		return text, mdiff.TextDiff(base, text), nil
	}

	var frags []mpatch.Frag
	var cur *mpatch.Frag
	pos := 0
	for _, c := range changes {
		start, end := msearch(base, c.Path, pos, d.consts.HexLen)
		pos = start
		var line []byte
		if c.Delete {
			if start == end {
				panic(fmt.Sprintf("failed to remove %s from manifest", c.Path))
			}
		} else {
			e, ok, _ := d.Find(c.Path)
			if !ok {
				return nil, nil, notFound(c.Path)
			}
			line = appendLine(nil, c.Path, e.Node, e.Flags)
		}
		if cur != nil && cur.Start <= start && cur.End >= start {
			if cur.End < end {
				cur.End = end
			}
			cur.Data = append(cur.Data, line...)
			continue
		}
		if cur != nil {
			frags = append(frags, *cur)
		}
		cur = &mpatch.Frag{Start: start, End: end, Data: line}
	}
	if cur != nil {
		frags = append(frags, *cur)
	}
	return splice(base, frags), mpatch.Encode(frags), nil
}

func splice(base []byte, frags []mpatch.Frag) []byte {
	text := make([]byte, 0, len(base))
	last := 0
	for _, f := range frags {
		text = append(text, base[last:f.Start]...)
		text = append(text, f.Data...)
		last = f.End
	}
	return append(text, base[last:]...)
}
