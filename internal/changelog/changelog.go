// Package changelog stores changesets and exposes the revision graph queries
// the branch caches are computed from, optionally through a filtered view.
package changelog

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/revlog"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
)

// Changelog is the read side of a (possibly filtered) changeset index.
type Changelog interface {
	Constants() node.Constants
	Len() int
	Node(rev node.Rev) (node.Node, error)
	Rev(n node.Node) (node.Rev, error)
	HasNode(n node.Node) bool
	ParentRevs(rev node.Rev) (node.Rev, node.Rev, error)
	BranchInfo(rev node.Rev) (branch string, closed bool, err error)
	HeadRevs() ([]node.Rev, error)
	// Ancestors returns the ancestors of revs with revision >= stopRev,
	// not including revs themselves unless one is an ancestor of another.
	Ancestors(revs []node.Rev, stopRev node.Rev) (*roaring.Bitmap, error)
	FilteredRevs() *roaring.Bitmap
	// Revs returns the visible revisions >= start in ascending order.
	Revs(start node.Rev) []node.Rev
}

// Log is the unfiltered changelog.
type Log struct {
	rl *revlog.Revlog
}

var _ Changelog = (*Log)(nil)

func New(rl *revlog.Revlog) *Log { return &Log{rl: rl} }

func (l *Log) Revlog() *revlog.Revlog { return l.rl }

func (l *Log) Constants() node.Constants { return l.rl.Constants() }

func (l *Log) Len() int { return l.rl.Len() }

func (l *Log) Node(rev node.Rev) (node.Node, error) { return l.rl.Node(rev) }

func (l *Log) Rev(n node.Node) (node.Rev, error) { return l.rl.Rev(n) }

func (l *Log) HasNode(n node.Node) bool { return l.rl.HasNode(n) }

func (l *Log) ParentRevs(rev node.Rev) (node.Rev, node.Rev, error) { return l.rl.ParentRevs(rev) }

// Add appends a changeset. Its link revision is its own revision.
func (l *Log) Add(tr txn.Transaction, e *Entry, p1, p2 node.Node) (node.Node, error) {
	n, err := l.rl.AddRevision(e.Bytes(), tr, node.Rev(l.rl.Len()), p1, p2, nil)
	if err != nil {
		return node.Node{}, fmt.Errorf("failed to add changeset: %w", err)
	}
	return n, nil
}

// Read decodes the changeset at rev.
func (l *Log) Read(rev node.Rev) (*Entry, error) {
	text, err := l.rl.RevisionAt(rev)
	if err != nil {
		return nil, err
	}
	return ParseEntry(l.rl.Constants(), text)
}

// BranchInfo reads the branch of rev from the changeset itself. This is the
// slow path the revision branch cache sits in front of.
func (l *Log) BranchInfo(rev node.Rev) (string, bool, error) {
	if rev == node.NullRev {
		return DefaultBranch, false, nil
	}
	e, err := l.Read(rev)
	if err != nil {
		return "", false, err
	}
	b, closed := e.Branch()
	return b, closed, nil
}

func (l *Log) HeadRevs() ([]node.Rev, error) { return headRevs(l, nil) }

func (l *Log) Ancestors(revs []node.Rev, stopRev node.Rev) (*roaring.Bitmap, error) {
	return ancestors(l, revs, stopRev)
}

func (l *Log) FilteredRevs() *roaring.Bitmap { return roaring.New() }

func (l *Log) Revs(start node.Rev) []node.Rev {
	var revs []node.Rev
	for r := max(start, 0); int(r) < l.Len(); r++ {
		revs = append(revs, r)
	}
	return revs
}

// Strip removes rev and all later changesets.
func (l *Log) Strip(rev node.Rev) error { return l.rl.Strip(rev) }

type parentReader interface {
	Len() int
	ParentRevs(rev node.Rev) (node.Rev, node.Rev, error)
}

func headRevs(cl parentReader, filtered *roaring.Bitmap) ([]node.Rev, error) {
	n := cl.Len()
	isHead := make([]bool, n)
	for r := 0; r < n; r++ {
		if filtered != nil && filtered.Contains(uint32(r)) {
			continue
		}
		isHead[r] = true
		p1, p2, err := cl.ParentRevs(node.Rev(r))
		if err != nil {
			return nil, err
		}
		for _, p := range []node.Rev{p1, p2} {
			if p != node.NullRev {
				isHead[p] = false
			}
		}
	}
	var heads []node.Rev
	for r, ok := range isHead {
		if ok {
			heads = append(heads, node.Rev(r))
		}
	}
	if len(heads) == 0 {
		heads = []node.Rev{node.NullRev}
	}
	return heads, nil
}

func ancestors(cl parentReader, revs []node.Rev, stopRev node.Rev) (*roaring.Bitmap, error) {
	seen := roaring.New()
	var stack []node.Rev
	push := func(r node.Rev) error {
		p1, p2, err := cl.ParentRevs(r)
		if err != nil {
			return err
		}
		for _, p := range []node.Rev{p1, p2} {
			if p != node.NullRev && p >= stopRev {
				stack = append(stack, p)
			}
		}
		return nil
	}
	for _, r := range revs {
		if r == node.NullRev {
			continue
		}
		if err := push(r); err != nil {
			return nil, err
		}
	}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.CheckedAdd(uint32(r)) {
			continue
		}
		if err := push(r); err != nil {
			return nil, err
		}
	}
	return seen, nil
}

// View hides a set of revisions of a Log.
type View struct {
	log      *Log
	name     string
	filtered *roaring.Bitmap
}

var _ Changelog = (*View)(nil)

// NewView filters log by the given revision set. The bitmap must not be
// modified afterwards.
func NewView(log *Log, name string, filtered *roaring.Bitmap) *View {
	if filtered == nil {
		filtered = roaring.New()
	}
	return &View{log: log, name: name, filtered: filtered}
}

func (v *View) Unfiltered() *Log { return v.log }

func (v *View) Name() string { return v.name }

func (v *View) Constants() node.Constants { return v.log.Constants() }

func (v *View) Len() int { return v.log.Len() }

func (v *View) isFiltered(rev node.Rev) bool {
	return rev >= 0 && v.filtered.Contains(uint32(rev))
}

func (v *View) Node(rev node.Rev) (node.Node, error) {
	if v.isFiltered(rev) {
		return node.Node{}, &errs.FilteredRevisionError{Rev: int(rev), Filter: v.name}
	}
	return v.log.Node(rev)
}

func (v *View) Rev(n node.Node) (node.Rev, error) {
	rev, err := v.log.Rev(n)
	if err != nil {
		return rev, err
	}
	if v.isFiltered(rev) {
		return node.NullRev, &errs.FilteredRevisionError{Rev: int(rev), Filter: v.name}
	}
	return rev, nil
}

func (v *View) HasNode(n node.Node) bool {
	_, err := v.Rev(n)
	return err == nil
}

func (v *View) ParentRevs(rev node.Rev) (node.Rev, node.Rev, error) {
	if v.isFiltered(rev) {
		return node.NullRev, node.NullRev, &errs.FilteredRevisionError{Rev: int(rev), Filter: v.name}
	}
	return v.log.ParentRevs(rev)
}

func (v *View) BranchInfo(rev node.Rev) (string, bool, error) { return v.log.BranchInfo(rev) }

func (v *View) HeadRevs() ([]node.Rev, error) { return headRevs(v.log, v.filtered) }

func (v *View) Ancestors(revs []node.Rev, stopRev node.Rev) (*roaring.Bitmap, error) {
	return ancestors(v.log, revs, stopRev)
}

func (v *View) FilteredRevs() *roaring.Bitmap { return v.filtered }

func (v *View) Revs(start node.Rev) []node.Rev {
	var revs []node.Rev
	for r := max(start, 0); int(r) < v.Len(); r++ {
		if !v.isFiltered(r) {
			revs = append(revs, r)
		}
	}
	return revs
}
