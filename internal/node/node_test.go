package node

import (
	"strings"
	"testing"
)

func TestHashParentOrderIndependent(t *testing.T) {
	for _, c := range []Constants{SHA1, BLAKE3} {
		t.Run(c.Name, func(t *testing.T) {
			p1 := c.Hash([]byte("a"), c.NullID, c.NullID)
			p2 := c.Hash([]byte("b"), c.NullID, c.NullID)
			if p1.Len() != c.NodeLen {
				t.Fatalf("node length = %d, want %d", p1.Len(), c.NodeLen)
			}
			if c.Hash([]byte("x"), p1, p2) != c.Hash([]byte("x"), p2, p1) {
				t.Fatal("hash depends on parent order")
			}
			if c.Hash([]byte("x"), p1, p2) == c.Hash([]byte("y"), p1, p2) {
				t.Fatal("hash ignores text")
			}
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	n := SHA1.Hash([]byte("content"), SHA1.NullID, SHA1.NullID)
	got, err := SHA1.FromHex(n.String())
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	if got != n {
		t.Errorf("FromHex(%s) = %s", n, got)
	}
	if _, err := BLAKE3.FromHex(n.String()); err == nil {
		t.Error("expected width mismatch error")
	}
	if n.Short() != n.String()[:12] {
		t.Errorf("Short() = %s", n.Short())
	}
}

func TestNullAndZero(t *testing.T) {
	var zero Node
	if !zero.IsZero() || zero.IsNull() {
		t.Error("zero value must be zero and not null")
	}
	if !SHA1.NullID.IsNull() || SHA1.NullID.IsZero() {
		t.Error("null id must be null and not zero")
	}
	if SHA1.NullID.String() != strings.Repeat("0", 40) {
		t.Errorf("null hex = %s", SHA1.NullID)
	}
	if SHA1.NullID == BLAKE3.NullID {
		t.Error("null ids of different widths must differ")
	}
}

func TestFromBytesRejectsOddWidths(t *testing.T) {
	if _, err := FromBytes(make([]byte, 19)); err == nil {
		t.Error("expected error for 19 byte node")
	}
	if _, err := ByName("md5"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}
