package mdiff

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/javanhut/ivaldi-revstore/internal/mpatch"
)

func TestTextDiffRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"identical", "a\nb\nc\n", "a\nb\nc\n"},
		{"empty to text", "", "x\ny\n"},
		{"text to empty", "x\ny\n", ""},
		{"insert middle", "a\nc\n", "a\nb\nc\n"},
		{"delete middle", "a\nb\nc\n", "a\nc\n"},
		{"replace", "a\nb\nc\n", "a\nB\nc\n"},
		{"no trailing newline", "a\nb", "a\nbb"},
		{"append", "a\n", "a\nb\nc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := TextDiff([]byte(tt.a), []byte(tt.b))
			got, err := Patch([]byte(tt.a), delta)
			if err != nil {
				t.Fatalf("Patch failed: %v", err)
			}
			if string(got) != tt.b {
				t.Fatalf("Patch(a, diff(a, b)) = %q, want %q", got, tt.b)
			}
			size, err := mpatch.PatchedSize(len(tt.a), delta)
			if err != nil || size != len(tt.b) {
				t.Errorf("PatchedSize = %d, %v; want %d", size, err, len(tt.b))
			}
		})
	}
}

func TestIdenticalTextsProduceEmptyDelta(t *testing.T) {
	if d := TextDiff([]byte("same\n"), []byte("same\n")); len(d) != 0 {
		t.Errorf("delta = %x, want empty", d)
	}
}

func TestRandomLineEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		var a []string
		for j := 0; j < 5+rng.Intn(300); j++ {
			a = append(a, fmt.Sprintf("line %d\n", rng.Intn(40)))
		}
		b := append([]string(nil), a...)
		for k := 0; k < rng.Intn(10); k++ {
			pos := rng.Intn(len(b) + 1)
			switch rng.Intn(3) {
			case 0:
				b = append(b[:pos], append([]string{fmt.Sprintf("new %d\n", k)}, b[pos:]...)...)
			case 1:
				if pos < len(b) {
					b = append(b[:pos], b[pos+1:]...)
				}
			default:
				if pos < len(b) {
					b[pos] = fmt.Sprintf("changed %d\n", k)
				}
			}
		}
		as, bs := strings.Join(a, ""), strings.Join(b, "")
		got, err := Patch([]byte(as), TextDiff([]byte(as), []byte(bs)))
		if err != nil {
			t.Fatalf("iteration %d: Patch failed: %v", i, err)
		}
		if string(got) != bs {
			t.Fatalf("iteration %d: round trip mismatch", i)
		}
	}
}

func TestPatchesChain(t *testing.T) {
	texts := []string{"a\n", "a\nb\n", "b\n", "b\nc\nd\n"}
	var deltas [][]byte
	for i := 1; i < len(texts); i++ {
		deltas = append(deltas, TextDiff([]byte(texts[i-1]), []byte(texts[i])))
	}
	got, err := Patches([]byte(texts[0]), deltas)
	if err != nil {
		t.Fatalf("Patches failed: %v", err)
	}
	if string(got) != texts[len(texts)-1] {
		t.Errorf("Patches = %q", got)
	}
}
