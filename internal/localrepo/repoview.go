package localrepo

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/branchmap"
	"github.com/javanhut/ivaldi-revstore/internal/changelog"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

// filters computes the revisions each named view hides. Every view hides a
// subset of what the view it falls back to in the branch map hides.
var filters = map[string]func(r *Repo) (*roaring.Bitmap, error){
	"visible":        (*Repo).hiddenRevs,
	"visible-hidden": (*Repo).hiddenRevs,
	"served.hidden":  func(r *Repo) (*roaring.Bitmap, error) { return r.phaseRevs(Secret), nil },
	"served": func(r *Repo) (*roaring.Bitmap, error) {
		hidden, err := r.hiddenRevs()
		if err != nil {
			return nil, err
		}
		return roaring.Or(hidden, r.phaseRevs(Secret)), nil
	},
	"immutable": func(r *Repo) (*roaring.Bitmap, error) { return r.phaseRevs(Draft), nil },
	"base": func(r *Repo) (*roaring.Bitmap, error) {
		mutable := r.phaseRevs(Draft)
		out := roaring.New()
		if !mutable.IsEmpty() {
			out.AddRange(uint64(mutable.Minimum()), uint64(r.cl.Len()))
		}
		return out, nil
	},
}

// FilterNames lists the views in the order caches are warmed.
func FilterNames() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hiddenRevs returns the obsolete mutable revisions that are not ancestors of
// a revision that stays visible.
func (r *Repo) hiddenRevs() (*roaring.Bitmap, error) {
	obsolete := roaring.And(r.obsolete, r.phaseRevs(Draft))
	if obsolete.IsEmpty() {
		return obsolete, nil
	}
	var keep []node.Rev
	for rev := 0; rev < r.cl.Len(); rev++ {
		if !obsolete.Contains(uint32(rev)) {
			keep = append(keep, node.Rev(rev))
		}
	}
	anc, err := r.cl.Ancestors(keep, node.Rev(obsolete.Minimum()))
	if err != nil {
		return nil, err
	}
	return roaring.AndNot(obsolete, anc), nil
}

func (r *Repo) filteredRevs(name string) (*roaring.Bitmap, error) {
	if b, ok := r.filterCache[name]; ok {
		return b, nil
	}
	compute, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("unknown repository view %q", name)
	}
	b, err := compute(r)
	if err != nil {
		return nil, err
	}
	r.filterCache[name] = b
	return b, nil
}

func (r *Repo) invalidateFilters() {
	clear(r.filterCache)
}

// View is the repository seen through a revision filter. "" is the
// unfiltered repository.
type View struct {
	repo *Repo
	name string
	cl   *changelog.View
}

var _ branchmap.Repo = (*View)(nil)

// View returns the named view.
func (r *Repo) View(name string) (*View, error) {
	var hidden *roaring.Bitmap
	if name != "" {
		var err error
		if hidden, err = r.filteredRevs(name); err != nil {
			return nil, err
		}
	}
	return &View{repo: r, name: name, cl: changelog.NewView(r.cl, name, hidden)}, nil
}

func (v *View) Repo() *Repo { return v.repo }

func (v *View) FilterName() string { return v.name }

func (v *View) Changelog() changelog.Changelog { return v.cl }

func (v *View) Filtered(name string) (branchmap.Repo, error) {
	fv, err := v.repo.View(name)
	if err != nil {
		return nil, err
	}
	return fv, nil
}

func (v *View) RevBranchCache() branchmap.BranchInfoer { return v.repo.rbc }

func (v *View) ObsoleteRevs() *roaring.Bitmap { return v.repo.obsolete }

func (v *View) CacheVFS() *vfs.VFS { return v.repo.cacheVFS }

func (v *View) Logger() zerolog.Logger { return v.repo.log }

// BranchMap returns the up to date branch cache of the view.
func (v *View) BranchMap() (*branchmap.BranchCache, error) {
	return v.repo.branchmaps.Get(v)
}

// BranchMap returns the branch cache of the visible view.
func (r *Repo) BranchMap() (*branchmap.BranchCache, error) {
	v, err := r.View("visible")
	if err != nil {
		return nil, err
	}
	return v.BranchMap()
}

// UpdateCaches warms the revision branch cache and the branch maps of the
// served views, or of every view when full is set, then flushes the revision
// branch cache.
func (r *Repo) UpdateCaches(full bool) error {
	for rev := 0; rev < r.cl.Len(); rev++ {
		if _, _, err := r.rbc.BranchInfo(node.Rev(rev)); err != nil {
			return err
		}
	}
	names := []string{"served", "served.hidden"}
	if full {
		names = append([]string{""}, FilterNames()...)
	}
	for _, name := range names {
		v, err := r.View(name)
		if err != nil {
			return err
		}
		if _, err := v.BranchMap(); err != nil {
			return err
		}
	}
	return r.rbc.Write(nil)
}
