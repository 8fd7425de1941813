package store

import (
	"path/filepath"
	"testing"
)

func TestRevisionRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for rev := uint32(0); rev < 5; rev++ {
		if err := db.AppendRevision("00manifest", rev, []byte{byte(rev)}, []byte{'u', byte(rev)}); err != nil {
			t.Fatalf("AppendRevision(%d) failed: %v", rev, err)
		}
	}
	chunk, err := db.Chunk("00manifest", 3)
	if err != nil || string(chunk) != "u\x03" {
		t.Fatalf("Chunk(3) = %q, %v", chunk, err)
	}

	if err := db.TruncateRevlog("00manifest", 2); err != nil {
		t.Fatalf("TruncateRevlog failed: %v", err)
	}
	var revs []uint32
	if err := db.Revisions("00manifest", func(rev uint32, index []byte) error {
		revs = append(revs, rev)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 || revs[1] != 1 {
		t.Errorf("revisions after truncate = %v", revs)
	}
	if _, err := db.Chunk("00manifest", 3); err == nil {
		t.Error("expected missing chunk after truncate")
	}
	if err := db.Revisions("missing", func(uint32, []byte) error { return nil }); err != nil {
		t.Errorf("Revisions on missing revlog = %v", err)
	}
	names, _ := db.RevlogNames()
	if len(names) != 1 || names[0] != "00manifest" {
		t.Errorf("RevlogNames = %v", names)
	}
}

func TestConfigAndSharedDB(t *testing.T) {
	dir := t.TempDir()
	a, err := GetSharedDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GetSharedDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a.DB != b.DB {
		t.Fatal("shared handles should reuse the connection")
	}
	if err := a.PutConfig("format.nodehash", "blake3"); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	v, err := b.GetConfig("format.nodehash")
	if err != nil || v != "blake3" {
		t.Errorf("GetConfig = %q, %v", v, err)
	}
	if _, err := b.GetConfig("missing"); err == nil {
		t.Error("expected missing key error")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
