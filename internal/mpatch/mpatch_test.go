package mpatch

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
)

// randomPatch builds sorted, non-overlapping fragments against base.
func randomPatch(rng *rand.Rand, base []byte) []Frag {
	var frags []Frag
	pos := 0
	for pos < len(base) {
		start := pos + rng.Intn(8)
		if start > len(base) {
			break
		}
		end := start + rng.Intn(6)
		if end > len(base) {
			end = len(base)
		}
		data := make([]byte, rng.Intn(7))
		rng.Read(data)
		frags = append(frags, Frag{Start: start, End: end, Data: data})
		pos = end + 1
	}
	return frags
}

func splice(base []byte, frags []Frag) []byte {
	var out []byte
	last := 0
	for _, f := range frags {
		out = append(out, base[last:f.Start]...)
		out = append(out, f.Data...)
		last = f.End
	}
	return append(out, base[last:]...)
}

func TestApplyMatchesSplice(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		base := make([]byte, rng.Intn(64))
		rng.Read(base)
		frags := randomPatch(rng, base)
		patch := Encode(frags)

		got, err := Apply(base, [][]byte{patch})
		if err != nil {
			t.Fatalf("iteration %d: Apply failed: %v", i, err)
		}
		want := splice(base, frags)
		if !bytes.Equal(got, want) {
			t.Fatalf("iteration %d: Apply = %x, want %x", i, got, want)
		}
		size, err := PatchedSize(len(base), patch)
		if err != nil {
			t.Fatalf("iteration %d: PatchedSize failed: %v", i, err)
		}
		if size != len(want) {
			t.Fatalf("iteration %d: PatchedSize = %d, want %d", i, size, len(want))
		}
	}
}

func TestFoldMatchesSequentialApply(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		text := make([]byte, 10+rng.Intn(50))
		rng.Read(text)
		base := text
		var patches [][]byte
		for j := 0; j < 1+rng.Intn(6); j++ {
			frags := randomPatch(rng, text)
			patches = append(patches, Encode(frags))
			text = splice(text, frags)
		}
		got, err := Apply(base, patches)
		if err != nil {
			t.Fatalf("iteration %d: Apply failed: %v", i, err)
		}
		if !bytes.Equal(got, text) {
			t.Fatalf("iteration %d: folded result differs\n got %x\nwant %x", i, got, text)
		}
	}
}

func TestApplyNoPatches(t *testing.T) {
	base := []byte("unchanged")
	got, err := Apply(base, nil)
	if err != nil || !bytes.Equal(got, base) {
		t.Fatalf("Apply(nil) = %q, %v", got, err)
	}
}

func TestReplaceHeader(t *testing.T) {
	base := []byte("old text")
	patch := append(ReplaceHeader(len(base), 3), "new"...)
	got, err := Apply(base, [][]byte{patch})
	if err != nil || string(got) != "new" {
		t.Fatalf("Apply = %q, %v", got, err)
	}
	got, err = Apply(nil, [][]byte{append(TrivialHeader(2), "hi"...)})
	if err != nil || string(got) != "hi" {
		t.Fatalf("trivial Apply = %q, %v", got, err)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := Encode([]Frag{{Start: 0, End: 1, Data: []byte("abc")}})
	tests := []struct {
		name  string
		patch []byte
	}{
		{"truncated payload", good[:len(good)-1]},
		{"truncated header", good[:5]},
		{"start after end", Encode([]Frag{{Start: 4, End: 2}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.patch); !errs.IsCorrupt(err) {
				t.Errorf("Decode error = %v, want corruption", err)
			}
			if _, err := Apply([]byte("abcdef"), [][]byte{tt.patch}); !errs.IsCorrupt(err) {
				t.Errorf("Apply error = %v, want corruption", err)
			}
			if _, err := PatchedSize(6, tt.patch); !errs.IsCorrupt(err) {
				t.Errorf("PatchedSize error = %v, want corruption", err)
			}
		})
	}
}

func TestInvalidAndInconsistentPatches(t *testing.T) {
	beyond := Encode([]Frag{{Start: 2, End: 50, Data: []byte("x")}})
	if _, err := Apply([]byte("short"), [][]byte{beyond}); !errs.IsCorrupt(err) {
		t.Errorf("Apply past end = %v, want corruption", err)
	}
	unordered := Encode([]Frag{{Start: 3, End: 4}, {Start: 1, End: 2}})
	if _, err := Apply([]byte("abcdef"), [][]byte{unordered}); !errs.IsCorrupt(err) {
		t.Errorf("Apply unordered = %v, want corruption", err)
	}
	if _, err := PatchedSize(10, beyond); !errors.Is(err, errs.ErrInconsistent) {
		t.Errorf("PatchedSize = %v, want ErrInconsistent", err)
	}
}

func BenchmarkApply(b *testing.B) {
	rng := rand.New(rand.NewSource(3))
	base := make([]byte, 1<<16)
	rng.Read(base)
	var patches [][]byte
	text := base
	for i := 0; i < 16; i++ {
		frags := randomPatch(rng, text)
		patches = append(patches, Encode(frags))
		text = splice(text, frags)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Apply(base, patches); err != nil {
			b.Fatal(err)
		}
	}
}
