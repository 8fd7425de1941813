package compress_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/javanhut/ivaldi-revstore/internal/compress"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
)

type compressTest struct {
	typ  compress.Type
	size int
}

var compressionTests = []compressTest{
	{typ: compress.None, size: 16},
	{typ: compress.Snappy, size: 1},
	{typ: compress.Snappy, size: 4096},
	{typ: compress.Zstd, size: 1},
	{typ: compress.Zstd, size: 4096},
	{typ: compress.Zstd, size: 1 << 16},
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for _, tt := range compressionTests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			src := bytes.Repeat([]byte("manifest line\x00"), tt.size/14+1)[:tt.size]
			src[rng.Intn(len(src))] = 'x'
			enc, err := compress.Encode(tt.typ, src)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			dec, err := compress.Decode(enc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !bytes.Equal(dec, src) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestIncompressibleStoredRaw(t *testing.T) {
	src := []byte{1}
	enc, err := compress.Encode(compress.Zstd, src)
	if err != nil {
		t.Fatal(err)
	}
	if compress.Type(enc[0]) != compress.None {
		t.Errorf("header = %q, want raw", enc[0])
	}
}

func TestDecodeCorrupt(t *testing.T) {
	for _, src := range [][]byte{nil, {'q', 1, 2}, {'z', 1, 2, 3}} {
		if _, err := compress.Decode(src); !errs.IsCorrupt(err) {
			t.Errorf("Decode(%x) = %v, want corruption", src, err)
		}
	}
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]compress.Type{"": compress.Zstd, "snappy": compress.Snappy, "none": compress.None} {
		got, err := compress.ParseType(name)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := compress.ParseType("lz4"); err == nil {
		t.Error("expected error for lz4")
	}
}
