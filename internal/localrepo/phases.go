package localrepo

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// Phase tracks how widely a changeset has been shared.
type Phase int

const (
	Public Phase = iota
	Draft
	Secret
)

var ErrPublicRevision = errors.New("public revisions are immutable")

var phaseNames = [...]string{"public", "draft", "secret"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase resolves a phase name.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

func (r *Repo) checkRevs(revs []node.Rev) error {
	for _, rev := range revs {
		if rev < 0 || int(rev) >= r.cl.Len() {
			return fmt.Errorf("unknown revision %d", rev)
		}
	}
	return nil
}

// PhaseOf returns the phase of rev.
func (r *Repo) PhaseOf(rev node.Rev) (Phase, error) {
	if err := r.checkRevs([]node.Rev{rev}); err != nil {
		return 0, err
	}
	if int(rev) >= len(r.phases) {
		return Draft, nil
	}
	return r.phases[rev], nil
}

// SetPhase moves revs to target. Advancing towards public also moves their
// ancestors; retracting also moves their descendants, so a changeset's phase
// never precedes one of its parents'. Public revisions cannot be retracted.
func (r *Repo) SetPhase(target Phase, revs ...node.Rev) error {
	if target < Public || target > Secret {
		return fmt.Errorf("invalid phase %d", int(target))
	}
	if err := r.checkRevs(revs); err != nil {
		return err
	}
	for len(r.phases) < r.cl.Len() {
		r.phases = append(r.phases, Draft)
	}
	if target != Public {
		for _, rev := range revs {
			if r.phases[rev] == Public {
				return fmt.Errorf("%w: revision %d", ErrPublicRevision, rev)
			}
		}
	}

	changed := 0
	move := func(set *roaring.Bitmap, advance bool) {
		for _, rev := range revs {
			set.Add(uint32(rev))
		}
		it := set.Iterator()
		for it.HasNext() {
			rev := it.Next()
			cur := r.phases[rev]
			if (advance && cur > target) || (!advance && cur < target) {
				r.phases[rev] = target
				changed++
			}
		}
	}

	anc, err := r.cl.Ancestors(revs, 0)
	if err != nil {
		return err
	}
	move(anc, true)
	if target == Secret {
		move(r.descendants(revs), false)
	}
	if changed > 0 {
		r.invalidateFilters()
		r.log.Debug().Stringer("phase", target).Int("changed", changed).Msg("moved phase boundary")
	}
	return nil
}

// descendants returns the revisions descending from revs, excluding revs.
func (r *Repo) descendants(revs []node.Rev) *roaring.Bitmap {
	seen := roaring.New()
	if len(revs) == 0 {
		return seen
	}
	start := revs[0]
	for _, rev := range revs {
		seen.Add(uint32(rev))
		start = min(start, rev)
	}
	out := roaring.New()
	for rev := start + 1; int(rev) < r.cl.Len(); rev++ {
		p1, p2, err := r.cl.ParentRevs(rev)
		if err != nil {
			continue
		}
		if (p1 >= 0 && seen.Contains(uint32(p1))) || (p2 >= 0 && seen.Contains(uint32(p2))) {
			seen.Add(uint32(rev))
			out.Add(uint32(rev))
		}
	}
	return out
}

// phaseRevs returns the revisions whose phase is at least p.
func (r *Repo) phaseRevs(p Phase) *roaring.Bitmap {
	out := roaring.New()
	for rev := 0; rev < r.cl.Len(); rev++ {
		cur := Draft
		if rev < len(r.phases) {
			cur = r.phases[rev]
		}
		if cur >= p {
			out.Add(uint32(rev))
		}
	}
	return out
}

// MarkObsolete records that revs were rewritten or pruned. Obsolete
// changesets without visible descendants disappear from the visible view.
func (r *Repo) MarkObsolete(revs ...node.Rev) error {
	if err := r.checkRevs(revs); err != nil {
		return err
	}
	for _, rev := range revs {
		if p, _ := r.PhaseOf(rev); p == Public {
			return fmt.Errorf("%w: cannot obsolete revision %d", ErrPublicRevision, rev)
		}
	}
	for _, rev := range revs {
		r.obsolete.Add(uint32(rev))
	}
	r.invalidateFilters()
	return nil
}

// ObsoleteRevs returns the obsolete revisions. The bitmap must not be
// modified.
func (r *Repo) ObsoleteRevs() *roaring.Bitmap { return r.obsolete }
