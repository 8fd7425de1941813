package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindsStaySeparate(t *testing.T) {
	corrupt := NewCorruption("patch", 12, "patch cannot be decoded")
	if !IsCorrupt(corrupt) {
		t.Fatal("corruption not detected")
	}
	if IsCacheMiss(corrupt) {
		t.Fatal("corruption must not be a cache miss")
	}
	if !IsCacheMiss(ErrFastdeltaUnavailable) {
		t.Fatal("fastdelta unavailable must be a cache miss")
	}
	if IsCorrupt(ErrFastdeltaUnavailable) {
		t.Fatal("cache miss must not be corruption")
	}
	wrapped := fmt.Errorf("failed to read manifest: %w", corrupt)
	if !IsCorrupt(wrapped) {
		t.Error("wrapped corruption not detected")
	}
}

func TestLookupErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("read: %w", NewLookup("00manifest", "abcd"))
	if !errors.Is(err, ErrUnknownNode) {
		t.Errorf("%v should match ErrUnknownNode", err)
	}
	var le *LookupError
	if !errors.As(err, &le) || le.Index != "00manifest" {
		t.Errorf("errors.As failed: %v", err)
	}
	ferr := &FilteredRevisionError{Rev: 3, Filter: "visible"}
	if !errors.Is(ferr, ErrFilteredRevision) {
		t.Error("filtered error should match sentinel")
	}
}
