// Package errs defines the error taxonomy shared by the storage packages.
//
// Recoverable conditions (ErrCacheMiss and everything wrapping it) signal a
// caller to recompute. CorruptionError and ErrInconsistent are fatal and must
// be propagated.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownNode      = errors.New("ivaldi: unknown node")
	ErrUnknownBranch    = errors.New("ivaldi: unknown branch")
	ErrFilteredRevision = errors.New("ivaldi: filtered revision")
	ErrCacheMiss        = errors.New("ivaldi: cache miss")
	ErrInconsistent     = errors.New("ivaldi: inconsistent patch size")
	ErrNotFound         = errors.New("ivaldi: path not found")

	// ErrFastdeltaUnavailable is returned by manifests that cannot produce a
	// localized delta. It is a cache miss: the caller falls back to full text.
	ErrFastdeltaUnavailable = fmt.Errorf("fastdelta unavailable: %w", ErrCacheMiss)
)

// LookupError reports a node that does not resolve in an index.
type LookupError struct {
	Node  string
	Index string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("ivaldi: %s@%s: no node", e.Index, e.Node)
}

func (e *LookupError) Unwrap() error { return ErrUnknownNode }

// NewLookup builds a LookupError for the hex node in the named index.
func NewLookup(index string, hexNode string) error {
	return &LookupError{Node: hexNode, Index: index}
}

// FilteredRevisionError reports access to a revision hidden by a view.
type FilteredRevisionError struct {
	Rev    int
	Filter string
}

func (e *FilteredRevisionError) Error() string {
	return fmt.Sprintf("ivaldi: revision %d is filtered in view %q", e.Rev, e.Filter)
}

func (e *FilteredRevisionError) Unwrap() error { return ErrFilteredRevision }

// CorruptionError reports malformed persistent data.
type CorruptionError struct {
	Err      error
	Offset   int64
	Category string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ivaldi: corrupt %s at %d: %s", e.Category, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func NewCorruption(category string, offset int64, msg string) error {
	return &CorruptionError{Err: errors.New(msg), Offset: offset, Category: category}
}

func IsCorrupt(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsCacheMiss reports whether err is recoverable by recomputation.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
