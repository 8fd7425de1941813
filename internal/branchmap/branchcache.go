// Package branchmap maintains, per repository view, the mapping from branch
// name to the branch's head nodes.
//
// A BranchCache is keyed by the tip revision it has seen and a hash of the
// revisions its view hides. It is brought up to date incrementally from the
// revisions added after its tip and persisted as a small text file in the
// cache VFS.
package branchmap

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/changelog"
	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

// BranchInfoer answers branch queries for revisions, usually through the
// revision branch cache.
type BranchInfoer interface {
	BranchInfo(rev node.Rev) (branch string, closed bool, err error)
}

// Repo is the repository view a branch cache is computed for.
type Repo interface {
	// FilterName is "" for the unfiltered repository.
	FilterName() string
	Changelog() changelog.Changelog
	Filtered(name string) (Repo, error)
	RevBranchCache() BranchInfoer
	// ObsoleteRevs may return nil when there are none.
	ObsoleteRevs() *roaring.Bitmap
	// CacheVFS may return nil, which disables persistence.
	CacheVFS() *vfs.VFS
	Logger() zerolog.Logger
}

// BranchCache maps branch names to their heads, oldest head first.
type BranchCache struct {
	entries      map[string][]node.Node
	closed       map[node.Node]struct{}
	tipNode      node.Node
	tipRev       node.Rev
	filteredHash []byte

	// hasNode verifies heads read from disk, one branch at a time, the
	// first time the branch is queried. nil means every head is trusted.
	hasNode  func(node.Node) bool
	verified map[string]bool
}

// New returns an empty cache positioned before the first revision.
func New(consts node.Constants) *BranchCache {
	return newCache(nil, consts.NullID, node.NullRev, nil, nil)
}

func newCache(entries map[string][]node.Node, tipNode node.Node, tipRev node.Rev,
	filteredHash []byte, closed map[node.Node]struct{}) *BranchCache {
	bc := &BranchCache{
		entries:      make(map[string][]node.Node, len(entries)),
		closed:       make(map[node.Node]struct{}, len(closed)),
		tipNode:      tipNode,
		tipRev:       tipRev,
		filteredHash: slices.Clone(filteredHash),
		verified:     make(map[string]bool),
	}
	for b, heads := range entries {
		bc.entries[b] = slices.Clone(heads)
	}
	for n := range closed {
		bc.closed[n] = struct{}{}
	}
	return bc
}

func (bc *BranchCache) TipRev() node.Rev { return bc.tipRev }

func (bc *BranchCache) TipNode() node.Node { return bc.tipNode }

// FilteredHash returns the key of the hidden revision set, nil if nothing
// was hidden up to the tip.
func (bc *BranchCache) FilteredHash() []byte { return bc.filteredHash }

// Len returns the number of branches.
func (bc *BranchCache) Len() int { return len(bc.entries) }

// Copy returns an independent copy. Heads still unverified in bc stay
// unverified in the copy.
func (bc *BranchCache) Copy() *BranchCache {
	c := newCache(bc.entries, bc.tipNode, bc.tipRev, bc.filteredHash, bc.closed)
	c.hasNode = bc.hasNode
	for b, ok := range bc.verified {
		c.verified[b] = ok
	}
	return c
}

// ValidFor reports whether the cache describes repo: the node at the cached
// tip must be unchanged and the view must hide the same revisions up to it.
func (bc *BranchCache) ValidFor(repo Repo) bool {
	cl := repo.Changelog()
	n, err := cl.Node(bc.tipRev)
	if err != nil || n != bc.tipNode {
		return false
	}
	return string(bc.filteredHash) == string(FilteredHash(cl, bc.tipRev))
}

func (bc *BranchCache) verifyBranch(branch string) error {
	if bc.hasNode == nil || bc.verified[branch] {
		return nil
	}
	heads, ok := bc.entries[branch]
	if !ok {
		return nil
	}
	for _, n := range heads {
		if !bc.hasNode(n) {
			return fmt.Errorf("%w: branch %s head %s does not exist", errs.ErrUnknownNode, branch, n)
		}
	}
	bc.verified[branch] = true
	return nil
}

func (bc *BranchCache) verifyAll() error {
	if bc.hasNode == nil {
		return nil
	}
	for _, b := range bc.branches() {
		if err := bc.verifyBranch(b); err != nil {
			return err
		}
	}
	bc.hasNode = nil
	return nil
}

func (bc *BranchCache) branches() []string {
	names := make([]string, 0, len(bc.entries))
	for b := range bc.entries {
		names = append(names, b)
	}
	sort.Strings(names)
	return names
}

// HasBranch reports whether the branch is known. It does not verify heads.
func (bc *BranchCache) HasBranch(branch string) bool {
	_, ok := bc.entries[branch]
	return ok
}

// Heads returns the heads of branch, oldest first.
func (bc *BranchCache) Heads(branch string) ([]node.Node, error) {
	if err := bc.verifyBranch(branch); err != nil {
		return nil, err
	}
	heads, ok := bc.entries[branch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownBranch, branch)
	}
	return slices.Clone(heads), nil
}

// Set replaces the heads of branch.
func (bc *BranchCache) Set(branch string, heads []node.Node) {
	bc.entries[branch] = heads
}

// IsClosed reports whether n closes its branch.
func (bc *BranchCache) IsClosed(n node.Node) bool {
	_, ok := bc.closed[n]
	return ok
}

// branchTip returns the newest open head, or the newest head when all of
// them are closed.
func (bc *BranchCache) branchTip(heads []node.Node) (node.Node, bool) {
	for i := len(heads) - 1; i >= 0; i-- {
		if !bc.IsClosed(heads[i]) {
			return heads[i], false
		}
	}
	return heads[len(heads)-1], true
}

// BranchTip returns the tipmost head of branch, preferring open heads.
func (bc *BranchCache) BranchTip(branch string) (node.Node, error) {
	heads, err := bc.Heads(branch)
	if err != nil {
		return node.Node{}, err
	}
	if len(heads) == 0 {
		return node.Node{}, fmt.Errorf("%w: %s has no heads", errs.ErrUnknownBranch, branch)
	}
	tip, _ := bc.branchTip(heads)
	return tip, nil
}

// BranchHeads returns the heads of branch, leaving out closed heads unless
// closed is set.
func (bc *BranchCache) BranchHeads(branch string, closed bool) ([]node.Node, error) {
	heads, err := bc.Heads(branch)
	if err != nil {
		return nil, err
	}
	if closed {
		return slices.Clone(heads), nil
	}
	open := make([]node.Node, 0, len(heads))
	for _, h := range heads {
		if !bc.IsClosed(h) {
			open = append(open, h)
		}
	}
	return open, nil
}

// IterBranches calls fn for every branch in name order with its heads, its
// tip and whether every head is closed.
func (bc *BranchCache) IterBranches(fn func(branch string, heads []node.Node, tip node.Node, closed bool) error) error {
	if err := bc.verifyAll(); err != nil {
		return err
	}
	for _, b := range bc.branches() {
		heads := bc.entries[b]
		if len(heads) == 0 {
			continue
		}
		tip, closed := bc.branchTip(heads)
		if err := fn(b, heads, tip, closed); err != nil {
			return err
		}
	}
	return nil
}

// IterHeads calls fn with the heads of every branch.
func (bc *BranchCache) IterHeads(fn func(heads []node.Node) error) error {
	if err := bc.verifyAll(); err != nil {
		return err
	}
	for _, b := range bc.branches() {
		if err := fn(bc.entries[b]); err != nil {
			return err
		}
	}
	return nil
}

// Update folds revs, which must all be visible in repo, into the cache and
// writes the result.
//
// Heads are computed per branch in revision order, so parents are always
// seen before their children. A parent on the same branch simply stops
// being a head. Parents on other branches may descend from a head and are
// collected as uncertain; their ancestors are removed from the head set only
// when some head is not a topological head, since a topological head cannot
// be anybody's ancestor.
func (bc *BranchCache) Update(repo Repo, revs []node.Rev) error {
	start := time.Now()
	cl := repo.Changelog()
	rbc := repo.RevBranchCache()
	obsolete := repo.ObsoleteRevs()
	if obsolete == nil {
		obsolete = roaring.New()
	}

	newBranches := make(map[string][]node.Rev)
	var order []string
	for _, r := range revs {
		branch, closes, err := rbc.BranchInfo(r)
		if err != nil {
			return fmt.Errorf("failed to read branch of revision %d: %w", r, err)
		}
		if _, ok := newBranches[branch]; !ok {
			order = append(order, branch)
		}
		newBranches[branch] = append(newBranches[branch], r)
		if closes {
			n, err := cl.Node(r)
			if err != nil {
				return err
			}
			bc.closed[n] = struct{}{}
		}
	}

	tipRev := bc.tipRev
	// topological heads are only needed for merges across branches
	var topoHeads *roaring.Bitmap

	for _, branch := range order {
		if err := bc.verifyBranch(branch); err != nil {
			return err
		}
		newRevs := newBranches[branch]
		slices.Sort(newRevs)

		heads := roaring.New()
		for _, n := range bc.entries[branch] {
			r, err := cl.Rev(n)
			if err != nil {
				return err
			}
			heads.Add(uint32(r))
		}
		uncertain := roaring.New()
		for _, r := range newRevs {
			if obsolete.Contains(uint32(r)) {
				continue
			}
			if heads.IsEmpty() {
				heads.Add(uint32(r))
				continue
			}
			p1, p2, err := cl.ParentRevs(r)
			if err != nil {
				return err
			}
			same, other := roaring.New(), roaring.New()
			for _, p := range []node.Rev{p1, p2} {
				if p == node.NullRev {
					continue
				}
				switch {
				case obsolete.Contains(uint32(p)):
					// an obsolete parent with a live child hides its
					// ancestors like a parent on another branch would
					other.Add(uint32(p))
				case heads.Contains(uint32(p)):
					same.Add(uint32(p))
				default:
					pb, _, err := rbc.BranchInfo(p)
					if err != nil {
						return err
					}
					if pb == branch {
						same.Add(uint32(p))
					} else {
						other.Add(uint32(p))
					}
				}
			}
			// a lone head continued by its only same-branch child cannot
			// be an ancestor of the other parents
			if !(heads.GetCardinality() == 1 && same.GetCardinality() == 1 && heads.Equals(same)) {
				uncertain.Or(other)
			}
			heads.AndNot(same)
			heads.Add(uint32(r))
		}

		if !uncertain.IsEmpty() {
			if topoHeads == nil {
				hr, err := cl.HeadRevs()
				if err != nil {
					return err
				}
				topoHeads = roaring.New()
				for _, h := range hr {
					if h != node.NullRev {
						topoHeads.Add(uint32(h))
					}
				}
			}
			if !roaring.AndNot(heads, topoHeads).IsEmpty() {
				floor := heads.Minimum()
				if floor <= uncertain.Maximum() {
					anc, err := cl.Ancestors(toRevs(uncertain), node.Rev(floor))
					if err != nil {
						return err
					}
					heads.AndNot(anc)
				}
			}
		}

		if !heads.IsEmpty() {
			nodes := make([]node.Node, 0, heads.GetCardinality())
			for _, r := range heads.ToArray() {
				n, err := cl.Node(node.Rev(r))
				if err != nil {
					return err
				}
				nodes = append(nodes, n)
			}
			bc.entries[branch] = nodes
		}
		// heads computed here come from repo, not from the file
		bc.verified[branch] = true
		tipRev = max(tipRev, newRevs[len(newRevs)-1])
	}

	if tipRev > bc.tipRev {
		n, err := cl.Node(tipRev)
		if err != nil {
			return err
		}
		bc.tipRev, bc.tipNode = tipRev, n
	}

	if !bc.ValidFor(repo) {
		// the old key no longer matches the view; derive one from the
		// heads, whose highest revision may be below the repository tip
		// when the tip is obsolete
		bc.tipNode, bc.tipRev = cl.Constants().NullID, node.NullRev
		for _, heads := range bc.entries {
			for _, n := range heads {
				r, err := cl.Rev(n)
				if err != nil {
					return err
				}
				if r > bc.tipRev {
					bc.tipRev, bc.tipNode = r, n
				}
			}
		}
	}
	bc.filteredHash = FilteredHash(cl, bc.tipRev)

	log := repo.Logger()
	log.Debug().
		Str("filter", filterLabel(repo.FilterName())).
		Dur("elapsed", time.Since(start)).
		Msg("updated branch cache")
	bc.Write(repo)
	return nil
}

func toRevs(b *roaring.Bitmap) []node.Rev {
	revs := make([]node.Rev, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		revs = append(revs, node.Rev(it.Next()))
	}
	return revs
}

func filterLabel(name string) string {
	if name == "" {
		return "unfiltered"
	}
	return name
}
