// Package mdiff computes line-based binary deltas in mpatch format.
package mdiff

import (
	"github.com/javanhut/ivaldi-revstore/internal/mpatch"
	"github.com/pmezard/go-difflib/difflib"
)

// splitLines splits text after each newline and returns the lines together
// with the byte offset of every line start plus a final len(text) entry.
func splitLines(text []byte) ([]string, []int) {
	var lines []string
	offs := []int{0}
	start := 0
	for i, c := range text {
		if c == '\n' {
			lines = append(lines, string(text[start:i+1]))
			start = i + 1
			offs = append(offs, start)
		}
	}
	if start < len(text) {
		lines = append(lines, string(text[start:]))
		offs = append(offs, len(text))
	}
	return lines, offs
}

// Fragments returns the replacement fragments turning a into b.
func Fragments(a, b []byte) []mpatch.Frag {
	al, aoff := splitLines(a)
	bl, boff := splitLines(b)

	prefix := 0
	for prefix < len(al) && prefix < len(bl) && al[prefix] == bl[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(al)-prefix && suffix < len(bl)-prefix &&
		al[len(al)-1-suffix] == bl[len(bl)-1-suffix] {
		suffix++
	}
	amid := al[prefix : len(al)-suffix]
	bmid := bl[prefix : len(bl)-suffix]
	if len(amid) == 0 && len(bmid) == 0 {
		return nil
	}
	if len(amid) == 0 || len(bmid) == 0 {
		return []mpatch.Frag{{
			Start: aoff[prefix],
			End:   aoff[len(al)-suffix],
			Data:  b[boff[prefix]:boff[len(bl)-suffix]],
		}}
	}

	var frags []mpatch.Frag
	m := difflib.NewMatcher(amid, bmid)
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		frags = append(frags, mpatch.Frag{
			Start: aoff[prefix+op.I1],
			End:   aoff[prefix+op.I2],
			Data:  b[boff[prefix+op.J1]:boff[prefix+op.J2]],
		})
	}
	return frags
}

// TextDiff returns a delta that turns a into b.
func TextDiff(a, b []byte) []byte {
	return mpatch.Encode(Fragments(a, b))
}

// Patch applies a single delta.
func Patch(a, delta []byte) ([]byte, error) {
	return mpatch.Apply(a, [][]byte{delta})
}

// Patches applies a chain of deltas in order.
func Patches(a []byte, deltas [][]byte) ([]byte, error) {
	return mpatch.Apply(a, deltas)
}
