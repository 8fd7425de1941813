package branchmap

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// subsetTable maps a view to the nearest view hiding a superset of its
// revisions. A view missing a cache starts from a copy of its subset's.
var subsetTable = map[string]string{
	"":               "visible",
	"visible-hidden": "visible",
	"visible":        "served",
	"served.hidden":  "served",
	"served":         "immutable",
	"immutable":      "base",
}

// Subset returns the view whose branch cache seeds filter's, if any.
func Subset(filter string) (string, bool) {
	s, ok := subsetTable[filter]
	return s, ok
}

// MapCache holds one BranchCache per view. It belongs to a repository
// handle.
type MapCache struct {
	perFilter map[string]*BranchCache
}

func NewMapCache() *MapCache {
	return &MapCache{perFilter: make(map[string]*BranchCache)}
}

// Get returns the up to date branch cache of repo's view.
func (m *MapCache) Get(repo Repo) (*BranchCache, error) {
	if err := m.UpdateCache(repo); err != nil {
		return nil, err
	}
	return m.perFilter[repo.FilterName()], nil
}

// Peek returns the cache held for filter without refreshing it.
func (m *MapCache) Peek(filter string) (*BranchCache, bool) {
	bc, ok := m.perFilter[filter]
	return bc, ok
}

// UpdateCache brings the cache of repo's view up to date. A stale or missing
// cache is reloaded from disk, then derived from the subset view's cache,
// and only as a last resort rebuilt from the first revision.
func (m *MapCache) UpdateCache(repo Repo) error {
	cl := repo.Changelog()
	filter := repo.FilterName()

	bc := m.perFilter[filter]
	var revs []node.Rev
	if bc == nil || !bc.ValidFor(repo) {
		bc = FromFile(repo)
	}
	if bc == nil {
		if subsetName, ok := subsetTable[filter]; ok {
			subset, err := repo.Filtered(subsetName)
			if err != nil {
				return fmt.Errorf("failed to open view %s: %w", subsetName, err)
			}
			sbc, err := m.Get(subset)
			if err != nil {
				return err
			}
			bc = sbc.Copy()
			// revisions hidden from the subset but visible here
			extra := roaring.AndNot(subset.Changelog().FilteredRevs(), cl.FilteredRevs())
			it := extra.Iterator()
			for it.HasNext() {
				r := node.Rev(it.Next())
				if r > bc.tipRev {
					break
				}
				revs = append(revs, r)
			}
		} else {
			bc = New(cl.Constants())
		}
	}

	revs = append(revs, cl.Revs(bc.tipRev+1)...)
	if len(revs) > 0 {
		if err := bc.Update(repo, revs); err != nil {
			return fmt.Errorf("failed to update branch cache for %s: %w", filterLabel(filter), err)
		}
	}
	if !bc.ValidFor(repo) {
		return fmt.Errorf("branch cache for %s is stale after update", filterLabel(filter))
	}
	m.perFilter[filter] = bc
	return nil
}

// Replace adopts a branch map received from elsewhere, typically a clone
// source. The cache is stored under the most restrictive of the base,
// immutable and served views it is valid for, so that views above it can
// extend it instead of recomputing.
func (m *MapCache) Replace(repo Repo, remote map[string][]node.Node) error {
	cl := repo.Changelog()
	closed := make(map[node.Node]struct{})
	tipRev := node.NullRev
	var found bool
	for _, heads := range remote {
		for _, h := range heads {
			r, err := cl.Rev(h)
			if err != nil {
				return err
			}
			_, c, err := cl.BranchInfo(r)
			if err != nil {
				return err
			}
			if c {
				closed[h] = struct{}{}
			}
			tipRev = max(tipRev, r)
			found = true
		}
	}
	if !found {
		return nil
	}
	tipNode, err := cl.Node(tipRev)
	if err != nil {
		return err
	}
	bc := newCache(remote, tipNode, tipRev, nil, closed)
	for _, candidate := range []string{"base", "immutable", "served"} {
		view, err := repo.Filtered(candidate)
		if err != nil {
			return err
		}
		if bc.ValidFor(view) {
			m.perFilter[candidate] = bc
			bc.Write(view)
			return nil
		}
	}
	return nil
}

// Invalidate forgets the cache of one view.
func (m *MapCache) Invalidate(filter string) {
	delete(m.perFilter, filter)
}

// Clear forgets every cached view.
func (m *MapCache) Clear() {
	m.perFilter = make(map[string]*BranchCache)
}
