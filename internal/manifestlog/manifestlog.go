package manifestlog

import (
	"fmt"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/javanhut/ivaldi-revstore/internal/errs"
	"github.com/javanhut/ivaldi-revstore/internal/manifest"
	"github.com/javanhut/ivaldi-revstore/internal/match"
	"github.com/javanhut/ivaldi-revstore/internal/node"
	"github.com/javanhut/ivaldi-revstore/internal/txn"
)

// DefaultDirCacheSize bounds the contexts cached per directory.
const DefaultDirCacheSize = 16

// Ctx is a handle on one stored manifest revision.
type Ctx interface {
	Node() node.Node
	Dir() string
	// Read returns a private copy of the manifest.
	Read() (manifest.Manifest, error)
	// ReadDelta returns the entries that were added or changed relative to
	// the first parent.
	ReadDelta() (manifest.Manifest, error)
	Find(path string) (manifest.Entry, bool, error)
	Parents() (node.Node, node.Node, error)
}

// Options configures a ManifestLog.
type Options struct {
	DirCacheSize int
	// Narrow limits the directories that exist locally; nil means all.
	Narrow match.Matcher
	Logger zerolog.Logger
}

// ManifestLog hands out manifest contexts by directory and node.
type ManifestLog struct {
	consts   node.Constants
	root     *Revlog
	tree     bool
	narrow   match.Matcher
	cacheCap int
	dirCache map[string]*simplelru.LRU[node.Node, Ctx]
	log      zerolog.Logger
}

// New returns a ManifestLog reading from root.
func New(root *Revlog, opts Options) *ManifestLog {
	if opts.DirCacheSize < 1 {
		opts.DirCacheSize = DefaultDirCacheSize
	}
	if opts.Narrow == nil {
		opts.Narrow = match.Always()
	}
	return &ManifestLog{
		consts:   root.opts.Constants,
		root:     root,
		tree:     root.opts.TreeManifest,
		narrow:   opts.Narrow,
		cacheCap: opts.DirCacheSize,
		dirCache: make(map[string]*simplelru.LRU[node.Node, Ctx]),
		log:      opts.Logger,
	}
}

// Storage returns the revlog of dir.
func (ml *ManifestLog) Storage(dir string) (*Revlog, error) {
	return ml.root.DirLog(dir)
}

func (ml *ManifestLog) Root() *Revlog { return ml.root }

func (ml *ManifestLog) TreeManifest() bool { return ml.tree }

// Lookup returns the root manifest context for n, failing with an unknown
// node error if n is not stored.
func (ml *ManifestLog) Lookup(n node.Node) (Ctx, error) {
	return ml.Get("", n, true)
}

// Get returns the context of dir at n. With verify set, n must exist in the
// directory's revlog. Directories outside the narrow spec yield an
// ExcludedCtx.
func (ml *ManifestLog) Get(dir string, n node.Node, verify bool) (Ctx, error) {
	if c, ok := ml.dirCache[dir]; ok {
		if ctx, ok := c.Get(n); ok {
			return ctx, nil
		}
	}

	if dir != "" && !ml.narrow.Always() &&
		ml.narrow.VisitDir(strings.TrimSuffix(dir, "/")) == match.VisitNone {
		return &ExcludedCtx{ml: ml, dir: dir, node: n}, nil
	}
	if dir != "" && !ml.tree {
		return nil, fmt.Errorf("cannot ask for manifest directory %q in a flat manifest store", dir)
	}

	if verify {
		rl, err := ml.root.DirLog(dir)
		if err != nil {
			return nil, err
		}
		if _, err := rl.Rev(n); err != nil {
			return nil, err
		}
	}

	var ctx Ctx
	if ml.tree {
		ctx = &TreeCtx{ml: ml, dir: dir, node: n}
	} else {
		ctx = &FlatCtx{ml: ml, node: n}
	}
	if n != ml.consts.NullID {
		c, ok := ml.dirCache[dir]
		if !ok {
			c = newLRU[Ctx](ml.cacheCap)
			ml.dirCache[dir] = c
		}
		c.Add(n, ctx)
	}
	return ctx, nil
}

// LoadSubtree reads a stored directory tree; it is the loader of every tree
// this log produces.
func (ml *ManifestLog) LoadSubtree(dir string, n node.Node) (*manifest.Tree, error) {
	ctx, err := ml.Get(dir, n, false)
	if err != nil {
		return nil, err
	}
	switch c := ctx.(type) {
	case *TreeCtx:
		return c.tree()
	case *ExcludedCtx:
		return c.tree(), nil
	default:
		return nil, fmt.Errorf("manifest context for %q is not a tree", dir)
	}
}

func (ml *ManifestLog) readTree(dir string, n node.Node) (*manifest.Tree, error) {
	return ml.LoadSubtree(dir, n)
}

// NewManifest returns an empty writable manifest context.
func (ml *ManifestLog) NewManifest() *MemCtx {
	var m manifest.Manifest
	if ml.tree {
		m = manifest.NewTree(ml.consts, "", ml)
	} else {
		m = manifest.NewDict(ml.consts)
	}
	return &MemCtx{ml: ml, m: m}
}

// NewManifestFrom returns a writable context starting from a copy of m.
func (ml *ManifestLog) NewManifestFrom(m manifest.Manifest) *MemCtx {
	return &MemCtx{ml: ml, m: m.Copy()}
}

// ClearCaches drops every cached context and text.
func (ml *ManifestLog) ClearCaches(persisted bool) {
	ml.dirCache = make(map[string]*simplelru.LRU[node.Node, Ctx])
	ml.root.ClearCaches(persisted)
}

// FlatCtx is a root manifest stored as one flat text.
type FlatCtx struct {
	ml   *ManifestLog
	node node.Node
	data *manifest.Dict
}

func (c *FlatCtx) Node() node.Node { return c.node }
func (c *FlatCtx) Dir() string { return "" }

func (c *FlatCtx) dict() (*manifest.Dict, error) {
	if c.data != nil {
		return c.data, nil
	}
	if c.node == c.ml.consts.NullID {
		c.data = manifest.NewDict(c.ml.consts)
		return c.data, nil
	}
	store := c.ml.root
	text, ok := store.fulltext.Get(c.node)
	if !ok {
		var err error
		text, err = store.Revision(c.node)
		if err != nil {
			return nil, err
		}
		store.fulltext.Set(c.node, text)
	}
	d, err := manifest.ParseDict(c.ml.consts, text)
	if err != nil {
		return nil, err
	}
	c.data = d
	return d, nil
}

func (c *FlatCtx) Read() (manifest.Manifest, error) {
	d, err := c.dict()
	if err != nil {
		return nil, err
	}
	return d.Copy(), nil
}

func (c *FlatCtx) ReadDelta() (manifest.Manifest, error) {
	return c.ml.readDelta(c)
}

func (c *FlatCtx) Find(path string) (manifest.Entry, bool, error) {
	d, err := c.dict()
	if err != nil {
		return manifest.Entry{}, false, err
	}
	return d.Find(path)
}

func (c *FlatCtx) Parents() (node.Node, node.Node, error) {
	return c.ml.root.Parents(c.node)
}

// TreeCtx is one directory of a tree manifest.
type TreeCtx struct {
	ml   *ManifestLog
	dir  string
	node node.Node
	data *manifest.Tree
}

func (c *TreeCtx) Node() node.Node { return c.node }
func (c *TreeCtx) Dir() string { return c.dir }

// tree returns the shared cached tree; callers must not modify it.
func (c *TreeCtx) tree() (*manifest.Tree, error) {
	if c.data != nil {
		return c.data, nil
	}
	if c.node == c.ml.consts.NullID {
		c.data = manifest.NewTree(c.ml.consts, c.dir, c.ml)
		return c.data, nil
	}
	store, err := c.ml.root.DirLog(c.dir)
	if err != nil {
		return nil, err
	}
	text, err := store.Revision(c.node)
	if err != nil {
		return nil, err
	}
	t, err := manifest.ParseTree(c.ml.consts, c.dir, text, c.ml)
	if err != nil {
		return nil, err
	}
	t.SetNode(c.node)
	c.data = t
	return t, nil
}

func (c *TreeCtx) Read() (manifest.Manifest, error) {
	t, err := c.tree()
	if err != nil {
		return nil, err
	}
	return t.Copy(), nil
}

func (c *TreeCtx) ReadDelta() (manifest.Manifest, error) {
	return c.ml.readDelta(c)
}

func (c *TreeCtx) Find(path string) (manifest.Entry, bool, error) {
	t, err := c.tree()
	if err != nil {
		return manifest.Entry{}, false, err
	}
	return t.Find(path)
}

func (c *TreeCtx) Parents() (node.Node, node.Node, error) {
	store, err := c.ml.root.DirLog(c.dir)
	if err != nil {
		return node.Node{}, node.Node{}, err
	}
	return store.Parents(c.node)
}

// ExcludedCtx stands for a directory outside the narrow spec. Its content is
// unknown and it reads as a tree with no entries that keeps its node.
type ExcludedCtx struct {
	ml   *ManifestLog
	dir  string
	node node.Node
}

func (c *ExcludedCtx) Node() node.Node { return c.node }
func (c *ExcludedCtx) Dir() string { return c.dir }

func (c *ExcludedCtx) tree() *manifest.Tree {
	t := manifest.NewTree(c.ml.consts, c.dir, nil)
	t.SetNode(c.node)
	return t
}

func (c *ExcludedCtx) Read() (manifest.Manifest, error) { return c.tree(), nil }

func (c *ExcludedCtx) ReadDelta() (manifest.Manifest, error) { return c.tree(), nil }

func (c *ExcludedCtx) Find(string) (manifest.Entry, bool, error) {
	return manifest.Entry{}, false, nil
}

func (c *ExcludedCtx) Parents() (node.Node, node.Node, error) {
	return node.Node{}, node.Node{}, fmt.Errorf("%w: parents of excluded directory %s", errs.ErrUnknownNode, c.dir)
}

func (ml *ManifestLog) readDelta(c Ctx) (manifest.Manifest, error) {
	m, err := c.Read()
	if err != nil {
		return nil, err
	}
	p1, _, err := c.Parents()
	if err != nil {
		return nil, err
	}
	pctx, err := ml.Get(c.Dir(), p1, false)
	if err != nil {
		return nil, err
	}
	pm, err := pctx.Read()
	if err != nil {
		return nil, err
	}
	d, err := pm.Diff(m, nil, false)
	if err != nil {
		return nil, err
	}
	out := manifest.New(ml.consts, ml.tree)
	for path, de := range d {
		if !de.New.Present() {
			continue
		}
		if err := out.Set(path, de.New); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MemCtx is a manifest being built for a new commit.
type MemCtx struct {
	ml *ManifestLog
	m  manifest.Manifest
}

// Manifest returns the manifest under construction.
func (c *MemCtx) Manifest() manifest.Manifest { return c.m }

// Write stores the manifest and returns its node.
func (c *MemCtx) Write(tr txn.Transaction, linkRev node.Rev, p1, p2 node.Node, added, removed []string, m match.Matcher) (node.Node, error) {
	if m == nil {
		m = match.Always()
	}
	return c.ml.root.Add(c.m, tr, linkRev, p1, p2, added, removed, c.ml.readTree, m)
}
