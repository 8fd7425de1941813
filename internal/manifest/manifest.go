// Package manifest holds the file listing of one revision: a sorted mapping
// from path to file node and flags. Dict keeps a flat mapping; Tree keeps one
// node per directory and loads subdirectories lazily.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// Flags
const (
	FlagNone    = ""
	FlagSymlink = "l"
	FlagExec    = "x"
	FlagTree    = "t"
)

// Entry is the value stored for a path. The zero Entry means "absent".
type Entry struct {
	Node  node.Node
	Flags string
}

// Present reports whether e describes an existing file.
func (e Entry) Present() bool { return !e.Node.IsZero() }

// Change is one sorted edit handed to FastDelta.
type Change struct {
	Path   string
	Delete bool
}

// DiffEntry pairs the two sides of a differing path. An absent side is the
// zero Entry. With clean diffs, unchanged paths have Old == New.
type DiffEntry struct {
	Old Entry
	New Entry
}

// Manifest is implemented by *Dict and *Tree.
type Manifest interface {
	Find(path string) (Entry, bool, error)
	Get(path string) (node.Node, bool, error)
	Flags(path string) (string, error)
	Has(path string) (bool, error)
	Set(path string, e Entry) error
	SetFlag(path, flags string) error
	Delete(path string) error
	Len() (int, error)
	// Walk calls fn with every matching path in sorted order.
	Walk(m match.Matcher, fn func(path string) error) error
	// Iterate calls fn with every entry in sorted path order.
	Iterate(fn func(path string, e Entry) error) error
	Diff(other Manifest, m match.Matcher, clean bool) (map[string]DiffEntry, error)
	Matches(m match.Matcher) (Manifest, error)
	FilesNotIn(other Manifest, m match.Matcher) ([]string, error)
	HasDir(dir string) (bool, error)
	Text() ([]byte, error)
	Copy() Manifest
	// FastDelta returns the full text and an mpatch delta against base, the
	// full text of the parent these changes were applied to.
	FastDelta(base []byte, changes []Change) ([]byte, []byte, error)
}

// New returns an empty manifest of the variant the repository uses.
func New(consts node.Constants, tree bool) Manifest {
	if tree {
		return NewTree(consts, "", nil)
	}
	return NewDict(consts)
}

// CheckPath rejects paths that cannot be stored.
func CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("invalid path: empty")
	}
	if strings.ContainsAny(path, "\n\r\x00") {
		return fmt.Errorf("invalid path %q: '\\n', '\\r' and NUL are disallowed in filenames", path)
	}
	return nil
}

func checkFlags(flags string) error {
	switch flags {
	case FlagNone, FlagSymlink, FlagExec:
		return nil
	default:
		return fmt.Errorf("invalid flags %q", flags)
	}
}

// MergeChanges builds the sorted change list of a commit from its added and
// removed paths.
func MergeChanges(added, removed []string) []Change {
	changes := make([]Change, 0, len(added)+len(removed))
	for _, p := range added {
		changes = append(changes, Change{Path: p})
	}
	for _, p := range removed {
		changes = append(changes, Change{Path: p, Delete: true})
	}
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Path != changes[j].Path {
			return changes[i].Path < changes[j].Path
		}
		return !changes[i].Delete && changes[j].Delete
	})
	return changes
}

type pathEntry struct {
	path  string
	entry Entry
}

func collect(m Manifest, matcher match.Matcher) ([]pathEntry, error) {
	var out []pathEntry
	err := m.Iterate(func(path string, e Entry) error {
		if matcher == nil || matcher.Always() || matcher.Matches(path) {
			out = append(out, pathEntry{path, e})
		}
		return nil
	})
	return out, err
}

// diffSorted merges two sorted entry lists.
func diffSorted(a, b []pathEntry, clean bool) map[string]DiffEntry {
	result := make(map[string]DiffEntry)
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].path < b[j].path):
			result[a[i].path] = DiffEntry{Old: a[i].entry}
			i++
		case i == len(a) || b[j].path < a[i].path:
			result[b[j].path] = DiffEntry{New: b[j].entry}
			j++
		default:
			if a[i].entry != b[j].entry {
				result[a[i].path] = DiffEntry{Old: a[i].entry, New: b[j].entry}
			} else if clean {
				result[a[i].path] = DiffEntry{Old: a[i].entry, New: a[i].entry}
			}
			i++
			j++
		}
	}
	return result
}

// genericDiff diffs any two manifests by materializing their entries.
func genericDiff(a, b Manifest, m match.Matcher, clean bool) (map[string]DiffEntry, error) {
	ae, err := collect(a, m)
	if err != nil {
		return nil, err
	}
	be, err := collect(b, m)
	if err != nil {
		return nil, err
	}
	return diffSorted(ae, be, clean), nil
}

func filesNotIn(a, b Manifest, m match.Matcher) ([]string, error) {
	d, err := a.Diff(b, m, false)
	if err != nil {
		return nil, err
	}
	var files []string
	for path, de := range d {
		if de.Old.Present() && !de.New.Present() {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

func notFound(path string) error {
	return fmt.Errorf("%w: %s", errs.ErrNotFound, path)
}
