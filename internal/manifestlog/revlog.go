// Package manifestlog stores manifests in revlogs, one per directory when
// tree manifests are enabled, and hands out read contexts for them.
package manifestlog

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/manifest"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/revlog"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
	"github.com/javanhut/ivaldi-revstore/internal/vfs"
)

// RootStoreName is the revlog holding root manifests.
const RootStoreName = "00manifest"

// StoreName returns the revlog name for directory dir ("" or "a/b/").
func StoreName(dir string) string {
	if dir == "" {
		return RootStoreName
	}
	return "meta/" + dir + RootStoreName
}

// StoreOpener opens (or creates) the revlog called name.
type StoreOpener func(name string) (revlog.Store, error)

// TreeReader returns the stored tree of dir at n, an empty tree for the null
// node.
type TreeReader func(dir string, n node.Node) (*manifest.Tree, error)

// RevlogOptions configures a manifest Revlog.
type RevlogOptions struct {
	Constants    node.Constants
	TreeManifest bool
	CacheSize    int
	// CacheVFS persists the root full-text cache; nil keeps it in memory.
	CacheVFS *vfs.VFS
	Logger   zerolog.Logger
}

// Revlog stores the manifests of one directory.
type Revlog struct {
	dir      string
	opts     RevlogOptions
	store    revlog.Store
	open     StoreOpener
	fulltext *FulltextCache
	// dirlogs is shared by the root log and all of its directory logs.
	dirlogs map[string]*Revlog
	log     zerolog.Logger
}

// NewRevlog opens the root manifest revlog.
func NewRevlog(open StoreOpener, opts RevlogOptions) (*Revlog, error) {
	if opts.Constants.NodeLen == 0 {
		opts.Constants = node.SHA1
	}
	st, err := open(RootStoreName)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest store: %w", err)
	}
	rl := &Revlog{
		opts:     opts,
		store:    st,
		open:     open,
		fulltext: NewFulltextCache(opts.Constants, opts.CacheVFS, opts.CacheSize, opts.Logger),
		dirlogs:  make(map[string]*Revlog),
		log:      opts.Logger,
	}
	rl.dirlogs[""] = rl
	return rl, nil
}

func (rl *Revlog) Dir() string { return rl.dir }

func (rl *Revlog) Store() revlog.Store { return rl.store }

func (rl *Revlog) FulltextCache() *FulltextCache { return rl.fulltext }

// DirLog returns the revlog of directory dir, opening it on first use.
func (rl *Revlog) DirLog(dir string) (*Revlog, error) {
	if l, ok := rl.dirlogs[dir]; ok {
		return l, nil
	}
	if !rl.opts.TreeManifest {
		return nil, fmt.Errorf("cannot open manifest directory %q in a flat manifest store", dir)
	}
	st, err := rl.open(StoreName(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest store for %s: %w", dir, err)
	}
	l := &Revlog{
		dir:      dir,
		opts:     rl.opts,
		store:    st,
		open:     rl.open,
		fulltext: NewFulltextCache(rl.opts.Constants, nil, rl.opts.CacheSize, rl.opts.Logger),
		dirlogs:  rl.dirlogs,
		log:      rl.log.With().Str("dir", dir).Logger(),
	}
	rl.dirlogs[dir] = l
	return l, nil
}

func (rl *Revlog) Len() int { return rl.store.Len() }

func (rl *Revlog) Rev(n node.Node) (node.Rev, error) { return rl.store.Rev(n) }

func (rl *Revlog) Node(rev node.Rev) (node.Node, error) { return rl.store.Node(rev) }

func (rl *Revlog) Parents(n node.Node) (node.Node, node.Node, error) { return rl.store.Parents(n) }

func (rl *Revlog) Revision(n node.Node) ([]byte, error) { return rl.store.Revision(n) }

// Add stores m with parents p1 and p2 and returns its node. added and removed
// list the paths changed relative to p1; they enable the fast delta path when
// the text of p1 is cached. Tree manifests need readTree to load the parent
// trees and a matcher selecting the directories to write.
func (rl *Revlog) Add(m manifest.Manifest, tr txn.Transaction, linkRev node.Rev, p1, p2 node.Node,
	added, removed []string, readTree TreeReader, matcher match.Matcher) (node.Node, error) {
	n, err := rl.addFast(m, tr, linkRev, p1, p2, added, removed)
	if err == nil {
		return n, nil
	}
	if !errs.IsCacheMiss(err) {
		return node.Node{}, err
	}

	if rl.opts.TreeManifest {
		if readTree == nil {
			return node.Node{}, errors.New("tree manifest writes need a tree reader")
		}
		tree, err := rl.asTree(m)
		if err != nil {
			return node.Node{}, err
		}
		m1, err := readTree(rl.dir, p1)
		if err != nil {
			return node.Node{}, err
		}
		m2, err := readTree(rl.dir, p2)
		if err != nil {
			return node.Node{}, err
		}
		return rl.addTree(tree, tr, linkRev, m1, m2, readTree, matcher)
	}

	text, err := m.Text()
	if err != nil {
		return node.Node{}, err
	}
	n, err = rl.store.AddRevision(text, tr, linkRev, p1, p2, nil)
	if err != nil {
		return node.Node{}, err
	}
	rl.fulltext.Set(n, text)
	return n, nil
}

func (rl *Revlog) addFast(m manifest.Manifest, tr txn.Transaction, linkRev node.Rev, p1, p2 node.Node,
	added, removed []string) (node.Node, error) {
	base, ok := rl.fulltext.Get(p1)
	if !ok {
		return node.Node{}, errs.ErrCacheMiss
	}
	for _, p := range added {
		if err := manifest.CheckPath(p); err != nil {
			return node.Node{}, err
		}
	}
	text, delta, err := m.FastDelta(base, manifest.MergeChanges(added, removed))
	if err != nil {
		return node.Node{}, err
	}
	p1rev, err := rl.store.Rev(p1)
	if err != nil {
		return node.Node{}, err
	}
	n, err := rl.store.AddRevision(text, tr, linkRev, p1, p2, &revlog.CachedDelta{Base: p1rev, Delta: delta})
	if err != nil {
		return node.Node{}, err
	}
	rl.fulltext.Set(n, text)
	return n, nil
}

func (rl *Revlog) asTree(m manifest.Manifest) (*manifest.Tree, error) {
	if t, ok := m.(*manifest.Tree); ok {
		return t, nil
	}
	text, err := m.Text()
	if err != nil {
		return nil, err
	}
	return manifest.ParseTree(rl.opts.Constants, rl.dir, text, nil)
}

func (rl *Revlog) addTree(m *manifest.Tree, tr txn.Transaction, linkRev node.Rev, m1, m2 *manifest.Tree,
	readTree TreeReader, matcher match.Matcher) (node.Node, error) {
	// an unchanged subdirectory keeps the node of the parent it matches
	if rl.dir != "" && (m.UnmodifiedSince(m1) || m.UnmodifiedSince(m2)) {
		return m.Node(), nil
	}

	writeSubtree := func(sub *manifest.Tree, sp1, sp2 node.Node, sm match.Matcher) error {
		sublog, err := rl.DirLog(sub.Dir())
		if err != nil {
			return err
		}
		_, err = sublog.Add(sub, tr, linkRev, sp1, sp2, nil, nil, readTree, sm)
		return err
	}
	if err := m.WriteSubtrees(m1, m2, writeSubtree, matcher); err != nil {
		return node.Node{}, err
	}

	text := m.DirText()
	var n node.Node
	if rl.dir != "" {
		switch {
		case string(text) == string(m1.DirText()):
			n = m1.Node()
		case string(text) == string(m2.DirText()):
			n = m2.Node()
		}
	}
	if n.IsZero() {
		var err error
		n, err = rl.store.AddRevision(text, tr, linkRev, m1.Node(), m2.Node(), nil)
		if err != nil {
			return node.Node{}, err
		}
	}
	m.SetNode(n)
	return n, nil
}

// SetupCacheHook persists the full-text cache once lock is released after a
// successful operation. It does nothing when lock is not held.
func (rl *Revlog) SetupCacheHook(lock *txn.Lock) {
	if lock == nil || !lock.Held() {
		return
	}
	lock.AfterRelease(func(success bool) {
		if !success {
			return
		}
		rl.fulltext.Write()
	})
}

// ClearCaches drops cached texts and forgets opened directory logs.
func (rl *Revlog) ClearCaches(persisted bool) {
	rl.fulltext.Clear(persisted)
	for dir := range rl.dirlogs {
		if dir != "" {
			delete(rl.dirlogs, dir)
		}
	}
}
